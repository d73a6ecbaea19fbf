package bsvnet

import (
	"regexp"
	"strings"
)

// matchGlob evaluates a shell-style glob ('*' and '?' wildcards) against a
// candidate string. User agents contain '/' (BIP-14 format, e.g.
// "/Bitcoin SV:1.0.0/"), which rules out the standard library's path.Match
// and filepath.Match: both treat '/' as a path separator that '*' will not
// cross, so a pattern like "/Bitcoin ABC*" would never match a trailing
// slash. None of the example repositories pull in a glob-matching
// dependency for domain use (gobwas/glob appears only transitively, as a
// lint tool's dependency), so this translates the glob to a regexp anchored
// with the standard library's regexp package instead of hand-rolling a
// matcher.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func matchGlob(pattern, s string) (bool, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// MatchesAny reports whether s matches any of the given glob patterns.
// Malformed patterns never match (Config.Validate rejects them up front).
func MatchesAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, err := matchGlob(p, s); err == nil && ok {
			return true
		}
	}
	return false
}
