package window

import (
	"fmt"
	"sort"
	"strings"
)

// Handle is an opaque OS window identifier. On X11 it carries the XID.
type Handle int64

// Item is one switchable entry: a whole window, or a document/tab inside one
type Item struct {
	Handle         Handle `json:"handle" yaml:"handle"`
	Title          string `json:"title" yaml:"title"`
	ProcessName    string `json:"process_name" yaml:"process_name"`
	ExecutablePath string `json:"executable_path,omitempty" yaml:"executable_path,omitempty"`
	Source         string `json:"source" yaml:"source"`
	// Fallback marks a coarse whole-window item standing in for detail
	// that could not be obtained this scan.
	Fallback bool `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	// ShortcutIndex is assigned by the presentation layer; the core carries
	// it through untouched.
	ShortcutIndex int `json:"shortcut_index,omitempty" yaml:"shortcut_index,omitempty"`
}

// Key identifies one slot in a provider's last-known-good set
type Key struct {
	Handle Handle
	Source string
}

// Key returns the identity key of the item
func (i Item) Key() Key {
	return Key{Handle: i.Handle, Source: i.Source}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/0x%x", k.Source, int64(k.Handle))
}

// ExclusionSet matches process names case-insensitively
type ExclusionSet map[string]struct{}

// NewExclusionSet builds a set from process names, ignoring blanks
func NewExclusionSet(names []string) ExclusionSet {
	set := make(ExclusionSet, len(names))
	for _, name := range names {
		name = normalizeProcessName(name)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return set
}

// Contains reports whether the process name is excluded
func (s ExclusionSet) Contains(processName string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[normalizeProcessName(processName)]
	return ok
}

// Filter returns the items whose process is not excluded
func (s ExclusionSet) Filter(items []Item) []Item {
	if len(s) == 0 {
		return items
	}
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if s.Contains(item.ProcessName) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Names returns the normalized names in the set, sorted
func (s ExclusionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProcessName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}
