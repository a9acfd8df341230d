// Package pattern tests chunks of device output against caller supplied patterns.
//
// A Matcher reports whether a single chunk satisfies a pattern and, if so, what matched.
// Matching is chunk-local: a Matcher never sees data from previous chunks.
package pattern

import (
	"bytes"
	"regexp"
)

// Match holds the matched text followed by the text of each capture group, in the same layout
// as regexp.Regexp.FindStringSubmatch.
type Match []string

// String returns the whole matched text, or "" for an empty Match.
func (m Match) String() string {
	if len(m) == 0 {
		return ""
	}

	return m[0]
}

// Group returns the i-th capture group, or "" if it does not exist.
func (m Match) Group(i int) string {
	if i < 0 || i+1 >= len(m) {
		return ""
	}

	return m[i+1]
}

// Matcher tests a chunk of bytes against a pattern.
type Matcher interface {
	// Match returns the match and true if chunk satisfies the pattern.
	Match(chunk []byte) (Match, bool)
}

// Func adapts an ordinary function to the Matcher interface.
type Func func(chunk []byte) (Match, bool)

// Match calls f(chunk).
func (f Func) Match(chunk []byte) (Match, bool) { return f(chunk) }

type regexpMatcher struct {
	re *regexp.Regexp
}

// Regexp returns a Matcher backed by re.
func Regexp(re *regexp.Regexp) Matcher {
	return &regexpMatcher{re: re}
}

// Compile parses a regular expression and returns a Matcher for it.
func Compile(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}

	return Regexp(re), nil
}

// MustCompile is like Compile but panics if the expression cannot be parsed.
func MustCompile(expr string) Matcher {
	return Regexp(regexp.MustCompile(expr))
}

func (m *regexpMatcher) Match(chunk []byte) (Match, bool) {
	idx := m.re.FindSubmatchIndex(chunk)
	if idx == nil {
		return nil, false
	}

	match := make(Match, len(idx)/2)
	for i := range match {
		if idx[2*i] >= 0 {
			match[i] = string(chunk[idx[2*i]:idx[2*i+1]])
		}
	}

	return match, true
}

func (m *regexpMatcher) String() string { return m.re.String() }

type literalMatcher []byte

// Literal returns a Matcher that matches chunks containing s verbatim.
func Literal(s string) Matcher {
	return literalMatcher(s)
}

func (m literalMatcher) Match(chunk []byte) (Match, bool) {
	if !bytes.Contains(chunk, m) {
		return nil, false
	}

	return Match{string(m)}, true
}

func (m literalMatcher) String() string { return string(m) }
