// Package filter evaluates ordered include/exclude path rules written with
// Perforce wildcards, and groups them into toggleable sync categories.
//
// A rule is a pattern optionally prefixed with "-" (exclude) or "+" (include).
// Within a pattern "..." matches any run of characters including "/", and "*"
// matches any run of characters within a single path component. Patterns
// starting with "/" are anchored at the workspace root; other patterns match
// at any directory boundary, so "*.uasset" matches every .uasset file.
// A trailing "/" is shorthand for "/...". Matching is case-insensitive.
//
// Rules are evaluated in order and the last matching rule wins. When no rule
// matches a path the filter's default type decides.
package filter

import (
	"regexp"
	"strings"
)

// Type is the effect of a rule, or the default of a filter
type Type int

const (
	// Include keeps the path
	Include Type = iota
	// Exclude drops the path
	Exclude
)

// String returns the rule type name
func (t Type) String() string {
	if t == Exclude {
		return "exclude"
	}
	return "include"
}

type rule struct {
	typ     Type
	pattern string
	re      *regexp.Regexp
}

// FileFilter is an ordered list of path rules
type FileFilter struct {
	defaultType Type
	rules       []rule
}

// New creates an empty filter that returns defaultType when no rule matches
func New(defaultType Type) *FileFilter {
	return &FileFilter{defaultType: defaultType}
}

// AddRule parses a single rule line. Blank lines are ignored.
func (f *FileFilter) AddRule(line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return
	case strings.HasPrefix(line, "-"):
		f.add(Exclude, line[1:])
	case strings.HasPrefix(line, "+"):
		f.add(Include, line[1:])
	default:
		f.add(Include, line)
	}
}

// AddRules parses every line in order
func (f *FileFilter) AddRules(lines []string) {
	for _, line := range lines {
		f.AddRule(line)
	}
}

// Include appends an include rule
func (f *FileFilter) Include(pattern string) {
	f.add(Include, pattern)
}

// Exclude appends an exclude rule
func (f *FileFilter) Exclude(pattern string) {
	f.add(Exclude, pattern)
}

func (f *FileFilter) add(typ Type, pattern string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return
	}
	f.rules = append(f.rules, rule{typ: typ, pattern: pattern, re: compile(pattern)})
}

// Len returns the number of rules
func (f *FileFilter) Len() int {
	return len(f.rules)
}

// Matches reports whether path is included by the filter
func (f *FileFilter) Matches(path string) bool {
	path = strings.ReplaceAll(path, "\\", "/")

	result := f.defaultType
	for _, r := range f.rules {
		if r.re.MatchString(path) {
			result = r.typ
		}
	}
	return result == Include
}

// compile translates a wildcard pattern into an anchored regular expression
func compile(pattern string) *regexp.Regexp {
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	if strings.HasSuffix(pattern, "/") {
		pattern += "..."
	}

	var b strings.Builder
	b.WriteString("(?i)^")
	if !strings.HasPrefix(pattern, "/") {
		// Unrooted patterns may start at any directory boundary
		b.WriteString("(?:.*/)?")
	}

	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "..."):
			b.WriteString(".*")
			i += 3
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		default:
			j := i
			for j < len(pattern) && pattern[j] != '*' && !strings.HasPrefix(pattern[j:], "...") {
				j++
			}
			b.WriteString(regexp.QuoteMeta(pattern[i:j]))
			i = j
		}
	}
	b.WriteString("$")

	// Every literal run is quoted, so the expression always compiles
	return regexp.MustCompile(b.String())
}
