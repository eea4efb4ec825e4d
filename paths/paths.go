// Package paths implements the canonical hierarchical addressing rules
// shared by resolvers, publishers and subscribers.
package paths

import "strings"

const (
	// Separator is the single path component separator.
	Separator = "/"
	// Root is the canonical root path.
	Root = "/"
)

// Canonicalize collapses repeated separators and strips any trailing
// separator except on root. It is idempotent and total: any string maps
// to some canonical path, the empty string maps to root.
func Canonicalize(p string) string {
	if p == "" || p == Root {
		return Root
	}
	var sb strings.Builder
	sb.Grow(len(p) + 1)
	if !strings.HasPrefix(p, Separator) {
		sb.WriteString(Separator)
	}
	prevSep := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSep {
				continue
			}
			prevSep = true
		} else {
			prevSep = false
		}
		sb.WriteByte(c)
	}
	out := sb.String()
	if len(out) > 1 && strings.HasSuffix(out, Separator) {
		out = out[:len(out)-1]
	}
	return out
}

// IsParent reports whether a is a strict ancestor of b. The test requires
// canonical(b) to begin with canonical(a) followed by exactly one
// separator; a bare prefix match would wrongly relate siblings such as
// /app/v1 and /app/v10.
func IsParent(a, b string) bool {
	a = Canonicalize(a)
	b = Canonicalize(b)
	if a == b {
		return false
	}
	if a == Root {
		return len(b) > 1
	}
	return strings.HasPrefix(b, a) && len(b) > len(a) && b[len(a)] == '/'
}

// IsImmediateParent reports whether b is a direct child of a.
func IsImmediateParent(a, b string) bool {
	if !IsParent(a, b) {
		return false
	}
	a = Canonicalize(a)
	b = Canonicalize(b)
	rest := b[len(a):]
	if a == Root {
		rest = b
	}
	return strings.Count(rest, Separator) == 1
}

// Dirname returns the canonical parent of p, or root for root itself.
func Dirname(p string) string {
	p = Canonicalize(p)
	if p == Root {
		return Root
	}
	idx := strings.LastIndex(p, Separator)
	if idx <= 0 {
		return Root
	}
	return p[:idx]
}

// Basename returns the final component of p, empty for root.
func Basename(p string) string {
	p = Canonicalize(p)
	if p == Root {
		return ""
	}
	idx := strings.LastIndex(p, Separator)
	return p[idx+1:]
}

// Append joins a canonical base and a relative component.
func Append(base, component string) string {
	return Canonicalize(base + Separator + component)
}

// Split returns the components of p in order, none for root.
func Split(p string) []string {
	p = Canonicalize(p)
	if p == Root {
		return nil
	}
	return strings.Split(p[1:], Separator)
}

// Levels counts the components of p, zero for root.
func Levels(p string) int {
	return len(Split(p))
}
