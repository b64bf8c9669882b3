package main

import (
	"sort"
)

// Label is either a position inside a section or an imported function
type Label struct {
	Name    string
	Section SectionKind
	Offset  uint32
	Import  *ImportedFunction // non-nil for external symbols
}

// IsImport reports whether the label names an imported function
func (l *Label) IsImport() bool {
	return l.Import != nil
}

// LabelTable maps symbolic names to labels. Names are unique.
type LabelTable struct {
	labels map[string]*Label
}

// NewLabelTable creates an empty label table
func NewLabelTable() *LabelTable {
	return &LabelTable{labels: make(map[string]*Label)}
}

// DefineLocal defines a code or data label
func (lt *LabelTable) DefineLocal(name string, section SectionKind, offset uint32) error {
	return lt.define(&Label{Name: name, Section: section, Offset: offset})
}

// DefineImport defines a label that resolves to fn's address-table slot
func (lt *LabelTable) DefineImport(name string, fn *ImportedFunction) error {
	return lt.define(&Label{Name: name, Import: fn})
}

func (lt *LabelTable) define(l *Label) error {
	if prev, exists := lt.labels[l.Name]; exists {
		where := prev.Section.String()
		if prev.IsImport() {
			where = prev.Import.Library
		}
		return FatalError(CategoryInternal, ErrDuplicateLabel, "label %q already defined in %s", l.Name, where)
	}
	lt.labels[l.Name] = l
	return nil
}

// Lookup finds a label by name
func (lt *LabelTable) Lookup(name string) (*Label, bool) {
	l, ok := lt.labels[name]
	return l, ok
}

// Len returns the number of labels
func (lt *LabelTable) Len() int {
	return len(lt.labels)
}

// Names returns all label names, sorted
func (lt *LabelTable) Names() []string {
	names := make([]string, 0, len(lt.labels))
	for name := range lt.labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
