package domain

type Shortcut struct {
	ID      string `json:"id" yaml:"id" validate:"required"`
	Key     string `json:"key" yaml:"key" validate:"required"`
	Scope   string `json:"scope" yaml:"scope"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type ShortcutConflict struct {
	Key string   `json:"key"`
	IDs []string `json:"ids"`
}
