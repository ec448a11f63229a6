package textproto

import "strings"

// Tokenize splits a raw command line into tokens. Token boundaries are runs
// of whitespace, except inside a quoted string or a balanced (...)/[...]
// group, which stay one opaque token including the delimiters. When max > 0
// and max-1 tokens have been consumed, the untouched remainder of the line
// is returned verbatim as the final token.
func Tokenize(line string, max int) []string {
	var tokens []string
	i := 0
	n := len(line)

	for {
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}

		// The final slot takes the untouched remainder.
		if max > 0 && len(tokens) == max-1 {
			tokens = append(tokens, line[i:])
			return tokens
		}

		start := i
		inQuote := false
		depth := 0
		for i < n {
			c := line[i]
			if !inQuote && depth == 0 && (c == ' ' || c == '\t') {
				break
			}
			switch c {
			case '"':
				inQuote = !inQuote
			case '(', '[':
				if !inQuote {
					depth++
				}
			case ')', ']':
				if !inQuote && depth > 0 {
					depth--
				}
			}
			i++
		}
		tokens = append(tokens, line[start:i])
	}

	return tokens
}

// Unquote strips a surrounding double-quote pair, if any. Unpaired quotes
// are returned unchanged.
func Unquote(arg string) string {
	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		return arg[1 : len(arg)-1]
	}
	return arg
}

// Item is one element of a decomposed parenthesized list: either an atom or
// a nested list.
type Item struct {
	Atom string
	List []Item
}

// IsList reports whether the item is a nested list.
func (it Item) IsList() bool {
	return it.List != nil
}

// Atoms is a convenience constructor for test fixtures and builders.
func Atoms(vals ...string) []Item {
	items := make([]Item, 0, len(vals))
	for _, v := range vals {
		items = append(items, Item{Atom: v})
	}
	return items
}

// ParenthesizedList recursively decomposes a parenthesized or bracketed
// token into atoms and nested lists. A bare unwrapped token is first
// normalized by wrapping it in a synthetic pair, so
// "FLAGS UID" and "(FLAGS UID)" decompose identically.
func ParenthesizedList(raw string) []Item {
	if raw == "" {
		return nil
	}

	opens := raw[0] == '(' || raw[0] == '['
	closes := raw[len(raw)-1] == ')' || raw[len(raw)-1] == ']'
	if opens != closes {
		raw = "(" + raw + ")"
		opens, closes = true, true
	}
	if opens {
		raw = raw[1:]
	}
	if closes && raw != "" {
		raw = raw[:len(raw)-1]
	}

	var items []Item
	var chunk strings.Builder

	flushChunk := func() {
		if chunk.Len() == 0 {
			return
		}
		for _, tok := range Tokenize(chunk.String(), 0) {
			items = append(items, Item{Atom: tok})
		}
		chunk.Reset()
	}

	for len(raw) > 0 {
		c := raw[0]
		if c == '(' || c == '[' {
			end := matchGroup(raw)
			flushChunk()
			sub := ParenthesizedList(raw[:end+1])
			if sub == nil {
				sub = []Item{}
			}
			items = append(items, Item{List: sub})
			raw = raw[end+1:]
			continue
		}
		chunk.WriteByte(c)
		raw = raw[1:]
	}
	flushChunk()

	return items
}

// matchGroup returns the index of the closing delimiter balancing the group
// opened at position 0. Unbalanced input matches to the end of the string.
func matchGroup(s string) int {
	open := s[0]
	var close byte = ')'
	if open == '[' {
		close = ']'
	}

	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(s) - 1
}
