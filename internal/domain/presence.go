package domain

type PresenceUser struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Color string `json:"color" validate:"omitempty,hexcolor"`
}

type CursorPosition struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	ComponentID string  `json:"componentId,omitempty"`
}

type SelectionRange struct {
	ComponentID string `json:"componentId"`
	Field       string `json:"field,omitempty"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
}

// PresenceState is ephemeral per-client awareness. It is never persisted.
type PresenceState struct {
	ClientID        string          `json:"clientId"`
	User            PresenceUser    `json:"user"`
	Cursor          *CursorPosition `json:"cursor,omitempty"`
	Selection       *SelectionRange `json:"selection,omitempty"`
	ActiveComponent *string         `json:"activeComponent,omitempty"`
}

func (p PresenceState) Clone() PresenceState {
	out := p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		out.Selection = &s
	}
	if p.ActiveComponent != nil {
		a := *p.ActiveComponent
		out.ActiveComponent = &a
	}
	return out
}
