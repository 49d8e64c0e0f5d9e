package fixture

import (
	"fmt"
	"sort"
)

// Group is a named set of fixtures. A fixture may belong to several groups.
type Group struct {
	Fixtures map[string]*Fixture
}

// Create a new Group object with reasonable defaults for real usage.
func NewGroup() *Group {
	return &Group{
		Fixtures: make(map[string]*Fixture),
	}
}

func (fg *Group) GetFixture(id string) (*Fixture, error) {
	if fixture, found := fg.Fixtures[id]; found {
		return fixture, nil
	}
	return nil, fmt.Errorf("the fixture group does not contain a fixture with the id: %s", id)
}

func (fg *Group) SetFixtures(fixtures map[string]*Fixture) {
	fg.Fixtures = fixtures
}

func (fg *Group) AddFixture(id string, fixture *Fixture) {
	fg.Fixtures[id] = fixture
}

// HasFixture returns true if the group contains a fixture with the id
func (fg *Group) HasFixture(id string) bool {
	_, ok := fg.Fixtures[id]
	return ok
}

// HasFixtures returns true if there are fixtures in the group
func (fg *Group) HasFixtures() bool {
	return len(fg.Fixtures) > 0
}

// Count returns the number of fixtures in the group
func (fg *Group) Count() int {
	return len(fg.Fixtures)
}

// Names returns the fixture ids in sorted order.
func (fg *Group) Names() []string {
	names := make([]string, 0, len(fg.Fixtures))
	for name := range fg.Fixtures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new group holding the fixtures of fg and others. Later groups win on id collisions.
func (fg *Group) Merge(others ...*Group) *Group {
	out := NewGroup()
	for id, f := range fg.Fixtures {
		out.AddFixture(id, f)
	}
	for _, g := range others {
		for id, f := range g.Fixtures {
			out.AddFixture(id, f)
		}
	}
	return out
}

// Each calls fn for every fixture in id order.
func (fg *Group) Each(fn func(id string, f *Fixture)) {
	for _, id := range fg.Names() {
		fn(id, fg.Fixtures[id])
	}
}
