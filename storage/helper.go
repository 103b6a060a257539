package storage

import (
	"cmp"
	"slices"
)

// Validate rejects change sets no store could apply: nil rows, missing ids
// and ids that appear twice in the same list.
func (c *ChangeSet) Validate() error {
	seen := make(map[string]struct{})
	check := func(kind, id string) error {
		if id == "" {
			return &Error{Type: ErrInvalidInput, Message: kind + " without id"}
		}
		key := kind + "/" + id
		if _, dup := seen[key]; dup {
			return &Error{Type: ErrInvalidInput, Message: "duplicate " + kind + " " + id}
		}
		seen[key] = struct{}{}
		return nil
	}

	for _, id := range c.DeleteInstances {
		if err := check("instance delete", id); err != nil {
			return err
		}
	}
	for _, inst := range c.UpdateInstances {
		if inst == nil {
			return &Error{Type: ErrInvalidInput, Message: "nil instance update"}
		}
		if err := check("instance update", inst.ID); err != nil {
			return err
		}
	}
	for _, inst := range c.CreateInstances {
		if inst == nil {
			return &Error{Type: ErrInvalidInput, Message: "nil instance create"}
		}
		if err := check("instance create", inst.ID); err != nil {
			return err
		}
	}
	for _, tpl := range c.PutTemplates {
		if tpl == nil {
			return &Error{Type: ErrInvalidInput, Message: "nil template"}
		}
		if err := check("template put", tpl.ID); err != nil {
			return err
		}
	}
	for _, id := range c.DeleteTemplates {
		if err := check("template delete", id); err != nil {
			return err
		}
	}
	return nil
}

// SortInstances orders rule-generated instances by generation index and
// standalone ones by start, breaking ties on id.
func SortInstances(list []*Instance) {
	slices.SortFunc(list, func(a, b *Instance) int {
		if c := cmp.Compare(a.GenerationIndex, b.GenerationIndex); c != 0 {
			return c
		}
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// InWindow reports whether the instance's anchor lies in w
func (i *Instance) InWindow(w Window) bool {
	return w.Contains(i.OriginalStart)
}
