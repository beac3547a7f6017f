package shortcut

import (
	"errors"
	"strings"
)

var ErrInvalidKey = errors.New("invalid key combination")

var modifierOrder = []string{"ctrl", "alt", "shift", "meta"}

var aliases = map[string]string{
	"control": "ctrl",
	"ctl":     "ctrl",
	"cmd":     "meta",
	"command": "meta",
	"super":   "meta",
	"win":     "meta",
	"option":  "alt",
	"opt":     "alt",
	"esc":     "escape",
	"return":  "enter",
	"del":     "delete",
}

// Normalize returns the canonical form of a key combination: lowercase,
// aliases resolved, modifiers in ctrl, alt, shift, meta order and the key last.
// "Shift+Ctrl+S" and "ctrl+shift+s" both normalize to "ctrl+shift+s".
func Normalize(combo string) (string, error) {
	combo = strings.ToLower(strings.ReplaceAll(combo, " ", ""))
	if combo == "" {
		return "", ErrInvalidKey
	}

	var parts []string
	if strings.HasSuffix(combo, "++") || combo == "+" {
		parts = strings.Split(strings.TrimSuffix(combo, "+"), "+")
		parts[len(parts)-1] = "+"
	} else {
		parts = strings.Split(combo, "+")
	}

	mods := make(map[string]bool, len(modifierOrder))
	var keys []string
	for _, p := range parts {
		if p == "" {
			return "", ErrInvalidKey
		}
		if alias, ok := aliases[p]; ok {
			p = alias
		}
		if isModifier(p) {
			mods[p] = true
			continue
		}
		keys = append(keys, p)
	}
	if len(keys) != 1 {
		return "", ErrInvalidKey
	}

	out := make([]string, 0, len(mods)+1)
	for _, m := range modifierOrder {
		if mods[m] {
			out = append(out, m)
		}
	}
	return strings.Join(append(out, keys[0]), "+"), nil
}

func isModifier(p string) bool {
	for _, m := range modifierOrder {
		if p == m {
			return true
		}
	}
	return false
}
