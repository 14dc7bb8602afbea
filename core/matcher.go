package core

import "strings"

// Pattern is a pre-split topic binding pattern over dot-separated segments.
// A "*" segment matches one segment and "#" matches several:
//
//	"orders.created" matches "orders.created"
//	"orders.*"       matches "orders.created", not "orders.us.created"
//	"payments.#"     matches "payments.created" and "payments.us.created"
type Pattern struct {
	raw      string
	segments []string
	literal  bool
}

// CompilePattern splits pattern once so it can be matched repeatedly.
func CompilePattern(pattern string) Pattern {
	segs := strings.Split(pattern, ".")
	literal := true
	for _, s := range segs {
		if s == "*" || s == "#" {
			literal = false
			break
		}
	}
	return Pattern{raw: pattern, segments: segs, literal: literal}
}

func (p Pattern) String() string { return p.raw }

// Match reports whether topic matches the pattern.
func (p Pattern) Match(topic string) bool {
	if p.literal {
		return p.raw == topic
	}
	return matchSegments(p.segments, strings.Split(topic, "."))
}

// matchSegments matches pat against top. A trailing "#" absorbs one or more
// segments; elsewhere it absorbs zero or more.
func matchSegments(pat, top []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "#":
			rest := pat[1:]
			if len(rest) == 0 {
				return len(top) > 0
			}
			for i := 0; i <= len(top); i++ {
				if matchSegments(rest, top[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(top) == 0 {
				return false
			}
		default:
			if len(top) == 0 || pat[0] != top[0] {
				return false
			}
		}
		pat, top = pat[1:], top[1:]
	}
	return len(top) == 0
}
