package pathmatch

import "strings"

// Results of a single dowild pass.
const (
	wmNoMatch         = 0
	wmMatch           = 1
	wmAbortAll        = -1
	wmAbortToStarStar = -2
)

/**
 * Wildmatch reports whether text matches the wildcard pattern.
 * A single `*` or `?` never crosses a slash, `**` does.
 * @param pattern the wildcard pattern
 * @param text the text to match against
 * @return true if the text matches the pattern
 */
func Wildmatch(pattern, text string) bool {
	return dowild(pattern, text, false) == wmMatch
}

/**
 * IWildmatch is the case-insensitive variant of Wildmatch.
 * @param pattern the wildcard pattern
 * @param text the text to match against
 * @return true if the text matches the pattern ignoring ASCII case
 */
func IWildmatch(pattern, text string) bool {
	return dowild(pattern, text, true) == wmMatch
}

/**
 * HasWildcards reports whether a pattern contains `*` or `?`.
 */
func HasWildcards(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func dowild(p, text string, fold bool) int {
	pi, ti := 0, 0

	for ; pi < len(p); pi, ti = pi+1, ti+1 {
		pc := p[pi]
		var tc byte
		if ti < len(text) {
			tc = text[ti]
		} else if pc != '*' {
			return wmAbortAll
		}
		if fold {
			tc = lower(tc)
			pc = lower(pc)
		}

		switch pc {
		case '\\':
			pi++
			if pi >= len(p) {
				return wmNoMatch
			}
			pc = p[pi]
			if fold {
				pc = lower(pc)
			}
			if tc != pc {
				return wmNoMatch
			}
		case '?':
			if tc == '/' {
				return wmNoMatch
			}
		case '*':
			special := false
			if pi+1 < len(p) && p[pi+1] == '*' {
				for pi+1 < len(p) && p[pi+1] == '*' {
					pi++
				}
				special = true
			}
			pi++
			if pi >= len(p) {
				// A trailing "**" matches everything, a trailing "*"
				// only what is left of the current component.
				if !special && strings.IndexByte(text[ti:], '/') >= 0 {
					return wmNoMatch
				}
				return wmMatch
			}
			for ; ti < len(text); ti++ {
				r := dowild(p[pi:], text[ti:], fold)
				if r != wmNoMatch {
					if !special || r != wmAbortToStarStar {
						return r
					}
				} else if !special && text[ti] == '/' {
					return wmAbortToStarStar
				}
			}
			return wmAbortAll
		case '[':
			n, ok := matchClass(p[pi:], tc, fold)
			if n < 0 {
				return wmAbortAll
			}
			if !ok || tc == '/' {
				return wmNoMatch
			}
			pi += n
		default:
			if tc != pc {
				return wmNoMatch
			}
		}
	}

	if ti == len(text) {
		return wmMatch
	}
	return wmNoMatch
}

// matchClass evaluates a bracket expression starting at p[0] == '['.
// It returns the index of the closing bracket relative to p, or -1 when
// the expression is not terminated.
func matchClass(p string, tc byte, fold bool) (int, bool) {
	i := 1
	negated := false
	if i < len(p) && (p[i] == '!' || p[i] == '^') {
		negated = true
		i++
	}

	matched := false
	var prev byte
	first := true
	for {
		if i >= len(p) {
			return -1, false
		}
		c := p[i]
		if c == ']' && !first {
			break
		}
		first = false

		switch {
		case c == '\\':
			i++
			if i >= len(p) {
				return -1, false
			}
			c = p[i]
			if equalFold(tc, c, fold) {
				matched = true
			}
		case c == '-' && prev != 0 && i+1 < len(p) && p[i+1] != ']':
			i++
			hi := p[i]
			if hi == '\\' {
				i++
				if i >= len(p) {
					return -1, false
				}
				hi = p[i]
			}
			if inRange(tc, prev, hi, fold) {
				matched = true
			}
			c = 0
		case c == '[' && i+1 < len(p) && p[i+1] == ':':
			end := strings.Index(p[i+2:], ":]")
			if end < 0 {
				if tc == '[' {
					matched = true
				}
				break
			}
			name := p[i+2 : i+2+end]
			class, known := posixClasses[name]
			if !known {
				return -1, false
			}
			if class(tc) || (fold && (name == "upper" || name == "lower") && isAlpha(tc)) {
				matched = true
			}
			i += 2 + end + 1
			c = 0
		default:
			if equalFold(tc, c, fold) {
				matched = true
			}
		}
		prev = c
		i++
	}

	return i, matched != negated
}

func equalFold(a, b byte, fold bool) bool {
	if fold {
		return lower(a) == lower(b)
	}
	return a == b
}

func inRange(c, lo, hi byte, fold bool) bool {
	if c >= lo && c <= hi {
		return true
	}
	if fold {
		l := lower(c)
		u := c
		if c >= 'a' && c <= 'z' {
			u = c - ('a' - 'A')
		}
		return (l >= lo && l <= hi) || (u >= lo && u <= hi)
	}
	return false
}

var posixClasses = map[string]func(byte) bool{
	"alnum":  func(c byte) bool { return isAlpha(c) || isDigit(c) },
	"alpha":  isAlpha,
	"blank":  func(c byte) bool { return c == ' ' || c == '\t' },
	"cntrl":  func(c byte) bool { return c < 0x20 || c == 0x7f },
	"digit":  isDigit,
	"graph":  func(c byte) bool { return c > 0x20 && c < 0x7f },
	"lower":  func(c byte) bool { return c >= 'a' && c <= 'z' },
	"print":  func(c byte) bool { return c >= 0x20 && c < 0x7f },
	"punct":  func(c byte) bool { return c > 0x20 && c < 0x7f && !isAlpha(c) && !isDigit(c) },
	"space":  func(c byte) bool { return c == ' ' || (c >= '\t' && c <= '\r') },
	"upper":  func(c byte) bool { return c >= 'A' && c <= 'Z' },
	"xdigit": func(c byte) bool { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') },
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
