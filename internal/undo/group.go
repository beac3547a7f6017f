package undo

import "glyph-sync-server/internal/crdt"

type fieldDelta struct {
	before    any
	hadBefore bool
	after     any
	hasAfter  bool
}

// group is one capture group: the first pre-image and the last post-image of
// every field written while capturing.
type group struct {
	order  []string
	deltas map[string]*fieldDelta
}

func newGroup() *group {
	return &group{deltas: make(map[string]*fieldDelta)}
}

func (g *group) capture(changes []crdt.FieldChange) {
	for _, c := range changes {
		d, ok := g.deltas[c.Field]
		if !ok {
			d = &fieldDelta{before: c.Old, hadBefore: c.HadOld}
			g.deltas[c.Field] = d
			g.order = append(g.order, c.Field)
		}
		d.after = c.New
		d.hasAfter = c.HasNew
	}
}

func (g *group) applyBefore(tx *crdt.Tx) {
	for i := len(g.order) - 1; i >= 0; i-- {
		field := g.order[i]
		d := g.deltas[field]
		if d.hadBefore {
			tx.Set(field, d.before)
		} else {
			tx.Delete(field)
		}
	}
}

func (g *group) applyAfter(tx *crdt.Tx) {
	for _, field := range g.order {
		d := g.deltas[field]
		if d.hasAfter {
			tx.Set(field, d.after)
		} else {
			tx.Delete(field)
		}
	}
}
