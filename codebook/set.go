package codebook

import (
	"fmt"
	"path/filepath"
	"sort"
)

// Set holds one codebook per target object for a single condition.
type Set struct {
	Name  string
	books []*Codebook
}

// NewSet groups books, index = target object. All must share one width.
func NewSet(name string, books []*Codebook) (*Set, error) {
	if len(books) == 0 {
		return nil, fmt.Errorf("%s: %w: no codebooks", name, ErrShapeMismatch)
	}
	w := books[0].Width()
	for i, b := range books {
		if b.Width() != w {
			return nil, fmt.Errorf("%s: %w: codebook %d has %d channels, want %d", name, ErrShapeMismatch, i, b.Width(), w)
		}
	}
	return &Set{Name: name, books: books}, nil
}

// Shared uses the same codebook for every one of n targets.
func Shared(name string, cb *Codebook, n int) *Set {
	books := make([]*Codebook, n)
	for i := range books {
		books[i] = cb
	}
	return &Set{Name: name, books: books}
}

// LoadDir loads <dir>/<pattern> sorted by name, one file per target.
func LoadDir(name, dir, pattern string) (*Set, error) {
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: no codebooks match %s", name, filepath.Join(dir, pattern))
	}
	sort.Strings(paths)
	books := make([]*Codebook, len(paths))
	for i, p := range paths {
		if books[i], err = Load(p); err != nil {
			return nil, err
		}
	}
	return NewSet(name, books)
}

// LoadShared loads one file, tiles it repeat times and shares it across n
// targets (the c-VEP layout: every target uses a shifted m-sequence that is
// already one channel per target).
func LoadShared(name, path string, repeat, n int) (*Set, error) {
	cb, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Shared(name, cb.Repeat(repeat), n), nil
}

// For returns the codebook of target.
func (s *Set) For(target int) *Codebook { return s.books[target] }

// Targets is the number of target objects.
func (s *Set) Targets() int { return len(s.books) }

// Width is the channel count shared by every codebook.
func (s *Set) Width() int { return s.books[0].Width() }

// Check fails fast unless the set has targets codebooks of width channels.
func (s *Set) Check(width, targets int) error {
	if len(s.books) != targets {
		return fmt.Errorf("%s: %w: %d codebooks, want %d", s.Name, ErrShapeMismatch, len(s.books), targets)
	}
	for i, b := range s.books {
		if err := b.Check(width); err != nil {
			return fmt.Errorf("%s: codebook %d: %w", s.Name, i, err)
		}
	}
	return nil
}

// Invalid counts non-binary cells across the set.
func (s *Set) Invalid() int {
	n := 0
	for _, b := range s.books {
		n += b.Invalid()
	}
	return n
}
