// Package cache memoizes remote directory listings per session.
package cache

import (
	"sort"
	"sync"

	"github.com/yarkm13/skiff/internal/paths"
)

// Filter decides whether a child is visible in a listing.
type Filter func(p *paths.Path) bool

// Comparator orders children; it returns true if a sorts before b.
type Comparator func(a, b *paths.Path) bool

// Attributes is the side table of an AttributedList. It is safe for
// concurrent use.
type Attributes struct {
	mu         sync.Mutex
	filter     Filter
	comparator Comparator
	hidden     map[string]struct{}
	dirty      bool
	readable   bool
}

// Dirty reports whether the listing should be superseded.
func (a *Attributes) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// SetDirty marks the listing as superseded. A dirty listing is re-fetched,
// so it stops being treated as a permission failure.
func (a *Attributes) SetDirty(dirty bool) {
	a.mu.Lock()
	a.dirty = dirty
	if dirty {
		a.readable = true
	}
	a.mu.Unlock()
}

// Readable reports false after a listing failed for permission reasons.
func (a *Attributes) Readable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readable
}

func (a *Attributes) SetReadable(readable bool) {
	a.mu.Lock()
	a.readable = readable
	a.mu.Unlock()
}

// Filter returns the filter of the last Filtered call.
func (a *Attributes) Filter() Filter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filter
}

// Comparator returns the comparator of the last Filtered call.
func (a *Attributes) Comparator() Comparator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.comparator
}

// AttributedList is an ordered directory listing plus its attributes.
type AttributedList struct {
	items []*paths.Path
	attrs Attributes
}

// NewList returns a readable, clean listing of items.
func NewList(items []*paths.Path) *AttributedList {
	return &AttributedList{
		items: items,
		attrs: Attributes{hidden: make(map[string]struct{}), readable: true},
	}
}

// Attributes returns the mutable side table.
func (l *AttributedList) Attributes() *Attributes { return &l.attrs }

// Items returns every child regardless of filter.
func (l *AttributedList) Items() []*paths.Path { return l.items }

func (l *AttributedList) Len() int { return len(l.items) }

// Contains reports whether a child with the given absolute path is listed.
func (l *AttributedList) Contains(abs string) bool {
	return l.Get(abs) != nil
}

// Get returns the child with the given absolute path or nil.
func (l *AttributedList) Get(abs string) *paths.Path {
	for _, p := range l.items {
		if p.Absolute() == abs {
			return p
		}
	}
	return nil
}

// Filtered applies filter and comparator, records the rejected children in
// the hidden set and returns the visible children. Nil arguments keep the
// listing order and show everything.
func (l *AttributedList) Filtered(comparator Comparator, filter Filter) []*paths.Path {
	hidden := make(map[string]struct{})
	visible := make([]*paths.Path, 0, len(l.items))
	for _, p := range l.items {
		if filter != nil && !filter(p) {
			hidden[p.Absolute()] = struct{}{}
			continue
		}
		visible = append(visible, p)
	}
	if comparator != nil {
		sort.SliceStable(visible, func(i, j int) bool { return comparator(visible[i], visible[j]) })
	}

	l.attrs.mu.Lock()
	l.attrs.filter = filter
	l.attrs.comparator = comparator
	l.attrs.hidden = hidden
	l.attrs.mu.Unlock()
	return visible
}

// IsHidden reports whether the last Filtered call rejected abs.
func (l *AttributedList) IsHidden(abs string) bool {
	l.attrs.mu.Lock()
	defer l.attrs.mu.Unlock()
	_, ok := l.attrs.hidden[abs]
	return ok
}
