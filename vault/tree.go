// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vault

// Entry is a single credential. Path is the group path followed by the
// entry title, root-relative.
type Entry struct {
	Title    string   `cbor:"1,keyasint" json:"title"`
	Username string   `cbor:"2,keyasint" json:"username"`
	Password string   `cbor:"3,keyasint" json:"password"`
	Path     []string `cbor:"-" json:"path"`
}

// Group is a named collection of entries and nested groups.
type Group struct {
	Name    string   `cbor:"1,keyasint" json:"name"`
	Groups  []*Group `cbor:"2,keyasint" json:"groups,omitempty"`
	Entries []*Entry `cbor:"3,keyasint" json:"entries,omitempty"`
	Path    []string `cbor:"-" json:"path"`
}

// findGroup walks [path] from [g]. The root group is the empty path. A
// single empty segment is treated as the root, matching how operators
// type paths ("" splits to [""]).
func (g *Group) findGroup(path []string) *Group {
	if len(path) == 1 && path[0] == "" {
		return g
	}
	cur := g
	for _, segment := range path {
		var next *Group
		for _, child := range cur.Groups {
			if child.Name == segment {
				next = child
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// childGroup returns the direct child of [g] named [name], non-recursive.
func (g *Group) childGroup(name string) *Group {
	for _, child := range g.Groups {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// childEntry returns the entry titled [title] directly under [g].
func (g *Group) childEntry(title string) *Entry {
	for _, e := range g.Entries {
		if e.Title == title {
			return e
		}
	}
	return nil
}

func (g *Group) removeChildGroup(name string) bool {
	for i, child := range g.Groups {
		if child.Name == name {
			g.Groups = append(g.Groups[:i], g.Groups[i+1:]...)
			return true
		}
	}
	return false
}

func (g *Group) removeChildEntry(title string) bool {
	for i, e := range g.Entries {
		if e.Title == title {
			g.Entries = append(g.Entries[:i], g.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// walk visits every group under [g] in depth-first order, [prefix] being
// the path of [g] itself.
func (g *Group) walk(prefix []string, visit func(path []string, grp *Group)) {
	visit(prefix, g)
	for _, child := range g.Groups {
		childPath := append(append([]string{}, prefix...), child.Name)
		child.walk(childPath, visit)
	}
}
