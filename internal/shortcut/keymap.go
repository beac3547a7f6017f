package shortcut

import (
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"glyph-sync-server/internal/domain"
)

const MaxKeymapEntries = 512

type keymapFile struct {
	Shortcuts []keymapEntry `yaml:"shortcuts" validate:"dive"`
}

type keymapEntry struct {
	ID      string `yaml:"id" validate:"required"`
	Key     string `yaml:"key" validate:"required"`
	Scope   string `yaml:"scope"`
	Enabled *bool  `yaml:"enabled"`
}

// ParseKeymap decodes a YAML keymap:
//
//	shortcuts:
//	  - id: save
//	    key: Ctrl+S
//	    scope: global
//
// Entries default to enabled.
func ParseKeymap(r io.Reader) ([]domain.Shortcut, error) {
	var file keymapFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding keymap: %w", err)
	}
	if len(file.Shortcuts) > MaxKeymapEntries {
		return nil, fmt.Errorf("keymap has %d entries (max %d)", len(file.Shortcuts), MaxKeymapEntries)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid keymap: %w", err)
	}

	seen := make(map[string]bool, len(file.Shortcuts))
	out := make([]domain.Shortcut, 0, len(file.Shortcuts))
	for i, e := range file.Shortcuts {
		if seen[e.ID] {
			return nil, fmt.Errorf("keymap entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		if _, err := Normalize(e.Key); err != nil {
			return nil, fmt.Errorf("keymap entry %d (%s): %w: %q", i, e.ID, err, e.Key)
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		out = append(out, domain.Shortcut{ID: e.ID, Key: e.Key, Scope: e.Scope, Enabled: enabled})
	}
	return out, nil
}

// LoadKeymap parses a keymap and registers every entry in order. The
// conflicts reported are those present once the whole keymap is loaded.
func (r *Registry) LoadKeymap(src io.Reader) ([]domain.ShortcutConflict, error) {
	shortcuts, err := ParseKeymap(src)
	if err != nil {
		return nil, err
	}
	for _, s := range shortcuts {
		if _, err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r.Conflicts(), nil
}
