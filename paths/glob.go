package paths

import "strings"

// Glob matching for List operations. "*" matches exactly one path
// component, "**" matches zero or more components. No partial-component
// wildcards; a component is either literal, "*", or "**".

// IsGlob reports whether the pattern contains any wildcard component.
func IsGlob(pattern string) bool {
	for _, c := range Split(pattern) {
		if c == "*" || c == "**" {
			return true
		}
	}
	return false
}

// GlobBase returns the longest literal ancestor of the pattern, which
// bounds the subtree a matching scan has to visit.
func GlobBase(pattern string) string {
	comps := Split(pattern)
	i := 0
	for ; i < len(comps); i++ {
		if comps[i] == "*" || comps[i] == "**" {
			break
		}
	}
	if i == 0 {
		return Root
	}
	return Root + strings.Join(comps[:i], Separator)
}

// GlobMatch reports whether the canonical form of p matches pattern.
func GlobMatch(pattern, p string) bool {
	return matchComponents(Split(pattern), Split(p))
}

func matchComponents(pat, comps []string) bool {
	for {
		switch {
		case len(pat) == 0:
			return len(comps) == 0
		case pat[0] == "**":
			if matchComponents(pat[1:], comps) {
				return true
			}
			if len(comps) == 0 {
				return false
			}
			comps = comps[1:]
		case len(comps) == 0:
			return false
		case pat[0] == "*" || pat[0] == comps[0]:
			pat = pat[1:]
			comps = comps[1:]
		default:
			return false
		}
	}
}
