package lineproto

import "sort"

// PlayerSet is the working set of currently joined names for one process.
type PlayerSet map[string]struct{}

func NewPlayerSet(names ...string) PlayerSet {
	s := make(PlayerSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s PlayerSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

func (s PlayerSet) Add(name string) {
	s[name] = struct{}{}
}

func (s PlayerSet) Remove(name string) {
	delete(s, name)
}

func (s PlayerSet) Reset() {
	for n := range s {
		delete(s, n)
	}
}

// Names returns the members in sorted order.
func (s PlayerSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s PlayerSet) Clone() PlayerSet {
	c := make(PlayerSet, len(s))
	for n := range s {
		c[n] = struct{}{}
	}
	return c
}

type UpdateOp int

const (
	UpdateNone UpdateOp = iota
	UpdateAdd
	UpdateRemove
	UpdateReset
)

// PlayerUpdate is the mutation a classified line asks its owner to apply.
type PlayerUpdate struct {
	Op   UpdateOp
	Name string
}

func (s PlayerSet) Apply(u PlayerUpdate) {
	switch u.Op {
	case UpdateAdd:
		s.Add(u.Name)
	case UpdateRemove:
		s.Remove(u.Name)
	case UpdateReset:
		s.Reset()
	}
}
