// Package exclude compiles glob exclusion patterns into matchers and tests
// paths against them. The translation grammar is applied left-to-right
// over each pattern's source text:
//
//	"**/"             -> "(?:.*/)?"   (zero or more path segments, incl. none)
//	"**" (no "/")      -> ".*"
//	"*"                -> "[^/]*"
//	"?"                -> "[^/]"
//	anything else      -> escaped literal
//
// A compiled matcher is tagged base-name if its source pattern contains no
// "/", else full-path. Patterns are de-duplicated before compiling.
package exclude

import (
	"regexp"
	"strings"
)

// matcherKind distinguishes how a compiled pattern is tested against a path.
type matcherKind int

const (
	baseNameMatcher matcherKind = iota
	fullPathMatcher
)

type compiledMatcher struct {
	re   *regexp.Regexp
	kind matcherKind
}

// Matcher tests normalized paths against a set of compiled glob patterns.
// Matcher is safe for concurrent use — it is read-only after New.
type Matcher struct {
	matchers []compiledMatcher
}

// New compiles patterns into a Matcher. An empty or nil pattern list always
// returns false from IsExcluded.
func New(patterns []string) (*Matcher, error) {
	seen := make(map[string]bool, len(patterns))
	m := &Matcher{}
	for _, p := range patterns {
		if seen[p] {
			continue
		}
		seen[p] = true

		kind := fullPathMatcher
		if !strings.Contains(p, "/") {
			kind = baseNameMatcher
		}

		re, err := regexp.Compile("^" + translateGlob(p) + "$")
		if err != nil {
			return nil, err
		}
		m.matchers = append(m.matchers, compiledMatcher{re: re, kind: kind})
	}
	return m, nil
}

// translateGlob applies the grammar above, left to right, over pattern.
func translateGlob(pattern string) string {
	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); {
		switch {
		case startsWith(runes, i, "**/"):
			b.WriteString("(?:.*/)?")
			i += 3
		case startsWith(runes, i, "**"):
			b.WriteString(".*")
			i += 2
		case runes[i] == '*':
			b.WriteString("[^/]*")
			i++
		case runes[i] == '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
			i++
		}
	}
	return b.String()
}

func startsWith(runes []rune, i int, lit string) bool {
	litRunes := []rune(lit)
	if i+len(litRunes) > len(runes) {
		return false
	}
	for j, r := range litRunes {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}

// IsExcluded reports whether p matches any compiled pattern: normalize to
// forward slashes; base-name matchers test only the final path segment,
// full-path matchers test the whole normalized path; return true on first
// match. Depends only on the compiled matcher set and p.
func (m *Matcher) IsExcluded(p string) bool {
	normalized := filepathToSlash(p)
	base := normalized
	if idx := strings.LastIndexByte(normalized, '/'); idx != -1 {
		base = normalized[idx+1:]
	}

	for _, cm := range m.matchers {
		switch cm.kind {
		case baseNameMatcher:
			if cm.re.MatchString(base) {
				return true
			}
		case fullPathMatcher:
			if cm.re.MatchString(normalized) {
				return true
			}
		}
	}
	return false
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// DirBlocklist derives the set of directory base names that should never be
// descended into, from patterns of the form "**/NAME/**" or "**/NAME" (per
// ). The cache directory name is always included by the caller.
func DirBlocklist(patterns []string) map[string]bool {
	blocked := make(map[string]bool)
	for _, p := range patterns {
		name, ok := dirBlocklistName(p)
		if ok {
			blocked[name] = true
		}
	}
	return blocked
}

func dirBlocklistName(p string) (string, bool) {
	const prefix = "**/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	rest = strings.TrimSuffix(rest, "/**")
	if rest == "" || strings.ContainsAny(rest, "/*?") {
		return "", false
	}
	return rest, true
}
