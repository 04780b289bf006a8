package cache

import (
	"strings"
	"sync"
	"testing"

	"github.com/yarkm13/skiff/internal/paths"
)

func listing(dir *paths.Path, names ...string) *AttributedList {
	items := make([]*paths.Path, 0, len(names))
	for _, n := range names {
		items = append(items, paths.NewChild(dir, n, paths.FileType))
	}
	return NewList(items)
}

func TestCache_PutReplaces(t *testing.T) {
	c := New()
	dir := paths.New("/data", paths.DirectoryType)

	c.Put(dir, listing(dir, "a"))
	c.Put(dir, listing(dir, "b", "c"))

	if c.Len() != 1 {
		t.Fatalf("expected one listing per directory, got %d", c.Len())
	}
	got := c.Get(paths.New("/data/", paths.DirectoryType))
	if got == nil || got.Len() != 2 {
		t.Fatalf("expected replaced listing with 2 items, got %v", got)
	}
	if got.Contains("/data/a") {
		t.Error("old listing content should be gone")
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := New()
	dir := paths.New("/data", paths.DirectoryType)
	l := listing(dir, "a")
	l.Attributes().SetReadable(false)
	c.Put(dir, l)

	if !c.IsValid(dir) {
		t.Fatal("fresh listing should be valid")
	}
	c.Invalidate(dir)
	if c.IsValid(dir) {
		t.Error("invalidated listing should not be valid")
	}
	if !l.Attributes().Dirty() {
		t.Error("listing should be dirty")
	}
	if !l.Attributes().Readable() {
		t.Error("dirty listing must be reset to readable")
	}

	// Invalidating an uncached directory is a no-op.
	c.Invalidate(paths.New("/other", paths.DirectoryType))
}

func TestCache_RemoveAndClear(t *testing.T) {
	c := New()
	a := paths.New("/a", paths.DirectoryType)
	b := paths.New("/b", paths.DirectoryType)
	c.Put(a, listing(a, "x"))
	c.Put(b, listing(b, "y"))

	c.Remove(a)
	if c.Contains(a) || !c.Contains(b) {
		t.Error("Remove should evict only the given directory")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Clear left %d listings", c.Len())
	}
}

func TestAttributedList_Filtered(t *testing.T) {
	dir := paths.New("/", paths.DirectoryType)
	l := listing(dir, "zeta", ".hidden", "alpha")

	visible := l.Filtered(
		func(a, b *paths.Path) bool { return a.Name() < b.Name() },
		func(p *paths.Path) bool { return !strings.HasPrefix(p.Name(), ".") },
	)
	if len(visible) != 2 || visible[0].Name() != "alpha" || visible[1].Name() != "zeta" {
		t.Fatalf("unexpected visible children: %v", visible)
	}
	if !l.IsHidden("/.hidden") {
		t.Error(".hidden should be recorded as hidden")
	}
	if l.Len() != 3 {
		t.Error("filtering must not drop items from the listing")
	}

	all := l.Filtered(nil, nil)
	if len(all) != 3 || all[0].Name() != "zeta" {
		t.Errorf("nil filter should keep listing order, got %v", all)
	}
	if l.IsHidden("/.hidden") {
		t.Error("hidden set should be rebuilt on each Filtered call")
	}
}

func TestCache_InvalidateWhileReading(t *testing.T) {
	c := New()
	dir := paths.New("/data", paths.DirectoryType)
	l := listing(dir, "a", ".b")
	c.Put(dir, l)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.Invalidate(dir)
			l.Attributes().SetDirty(false)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = l.Attributes().Readable()
			l.Filtered(nil, func(p *paths.Path) bool { return !strings.HasPrefix(p.Name(), ".") })
			_ = l.IsHidden("/data/.b")
		}
	}()
	wg.Wait()
	if !l.IsHidden("/data/.b") {
		t.Error(".b should stay hidden")
	}
}
