// Package model holds the data-model types shared across the storage core:
// paths, value types, node addresses, allocations and chunk tables. It has no dependency on any other internal package so
// every layer above it (record, bptree, reader, writer, nodecache,
// lockmanager) can share one vocabulary without import cycles.
package model

import "strings"

// Path is a '/'-separated hierarchy path, same shape as the reference
// system's paths ("game/config", "posts/k1/title"). The root path is "".
type Path string

// Segments splits a path into its '/'-separated components, empty for root.
func (p Path) Segments() []string {
	s := string(p)
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

// Parent returns the parent path, and "" unchanged if p is already root.
func (p Path) Parent() Path {
	s := string(p)
	if s == "" {
		return ""
	}
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return ""
	}
	return Path(s[:idx])
}

// Key returns the last path segment (the key or array index under its
// parent), "" for root.
func (p Path) Key() string {
	s := string(p)
	if s == "" {
		return ""
	}
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

// Child returns the path of a child by key.
func (p Path) Child(key string) Path {
	if p == "" {
		return Path(key)
	}
	return Path(string(p) + "/" + key)
}

// IsRoot reports whether p is the distinguished root path.
func (p Path) IsRoot() bool { return p == "" }

// IsDescendantOf reports whether p is a strict descendant of ancestor, i.e.
// ancestor is a proper path-segment prefix of p. Root is an ancestor of
// every non-root path.
func (p Path) IsDescendantOf(ancestor Path) bool {
	if ancestor == p {
		return false
	}
	if ancestor == "" {
		return p != ""
	}
	as := string(ancestor)
	ps := string(p)
	if !strings.HasPrefix(ps, as) {
		return false
	}
	return len(ps) > len(as) && ps[len(as)] == '/'
}

// CoveredBy reports whether p equals ancestor or p is a descendant of
// ancestor.
func (p Path) CoveredBy(ancestor Path) bool {
	return p == ancestor || p.IsDescendantOf(ancestor)
}
