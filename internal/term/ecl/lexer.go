package ecl

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokSCTID
	tokInteger
	tokDecimal
	tokTerm   // |...|
	tokString // '...' or "..."
	tokConstraint // < << <<! <! > >> >>! >!
	tokAnd
	tokOr
	tokMinus
	tokReverse // R
	tokMemberOf // ^
	tokWildcard // *
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokLBracket
	tokRBracket
	tokComma
	tokColon
	tokDot
	tokDotDot
	tokEquals
	tokNotEquals
	tokLessEq
	tokGreaterEq
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) describe() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q", t.text)
}

// lex tokenizes an ECL expression. Whitespace is insignificant; unterminated
// terms/strings and unexpected characters fail with their position.
func lex(input string) ([]token, *ParseError) {
	var tokens []token
	runes := []rune(input)
	i := 0
	n := len(runes)

	peek := func(offset int) rune {
		if i+offset < n {
			return runes[i+offset]
		}
		return 0
	}

	for i < n {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '|':
			start := i
			i++
			var sb strings.Builder
			for i < n && runes[i] != '|' {
				sb.WriteRune(runes[i])
				i++
			}
			if i >= n {
				return nil, &ParseError{Pos: start, Message: "unterminated term: missing closing '|'"}
			}
			i++
			tokens = append(tokens, token{kind: tokTerm, text: strings.TrimSpace(sb.String()), pos: start})

		case r == '\'' || r == '"':
			quote := r
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if runes[i] == '\\' && i+1 < n {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if runes[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Pos: start, Message: "unterminated string"}
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String(), pos: start})

		case r == '<':
			start := i
			if peek(1) == '=' {
				tokens = append(tokens, token{kind: tokLessEq, text: "<=", pos: start})
				i += 2
			} else if peek(1) == '<' && peek(2) == '!' {
				tokens = append(tokens, token{kind: tokConstraint, text: "<<!", pos: start})
				i += 3
			} else if peek(1) == '<' {
				tokens = append(tokens, token{kind: tokConstraint, text: "<<", pos: start})
				i += 2
			} else if peek(1) == '!' {
				tokens = append(tokens, token{kind: tokConstraint, text: "<!", pos: start})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokConstraint, text: "<", pos: start})
				i++
			}

		case r == '>':
			start := i
			if peek(1) == '=' {
				tokens = append(tokens, token{kind: tokGreaterEq, text: ">=", pos: start})
				i += 2
			} else if peek(1) == '>' && peek(2) == '!' {
				tokens = append(tokens, token{kind: tokConstraint, text: ">>!", pos: start})
				i += 3
			} else if peek(1) == '>' {
				tokens = append(tokens, token{kind: tokConstraint, text: ">>", pos: start})
				i += 2
			} else if peek(1) == '!' {
				tokens = append(tokens, token{kind: tokConstraint, text: ">!", pos: start})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokConstraint, text: ">", pos: start})
				i++
			}

		case r == '!':
			if peek(1) == '=' {
				tokens = append(tokens, token{kind: tokNotEquals, text: "!=", pos: i})
				i += 2
			} else {
				return nil, &ParseError{Pos: i, Message: "unexpected character '!'"}
			}

		case r == '=':
			tokens = append(tokens, token{kind: tokEquals, text: "=", pos: i})
			i++

		case r == '^':
			tokens = append(tokens, token{kind: tokMemberOf, text: "^", pos: i})
			i++
		case r == '*':
			tokens = append(tokens, token{kind: tokWildcard, text: "*", pos: i})
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '{':
			tokens = append(tokens, token{kind: tokLBrace, text: "{", pos: i})
			i++
		case r == '}':
			tokens = append(tokens, token{kind: tokRBrace, text: "}", pos: i})
			i++
		case r == '[':
			tokens = append(tokens, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case r == ']':
			tokens = append(tokens, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case r == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == ':':
			tokens = append(tokens, token{kind: tokColon, text: ":", pos: i})
			i++

		case r == '.':
			if peek(1) == '.' {
				tokens = append(tokens, token{kind: tokDotDot, text: "..", pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokDot, text: ".", pos: i})
				i++
			}

		case unicode.IsDigit(r) || r == '-' || r == '+':
			start := i
			if r == '-' || r == '+' {
				if !unicode.IsDigit(peek(1)) {
					return nil, &ParseError{Pos: i, Message: fmt.Sprintf("unexpected character %q", r)}
				}
				i++
			}
			for i < n && unicode.IsDigit(runes[i]) {
				i++
			}
			isDecimal := false
			// A '.' followed by a digit continues a decimal; '..' belongs to
			// a cardinality range and stops the number.
			if i < n && runes[i] == '.' && i+1 < n && unicode.IsDigit(runes[i+1]) {
				isDecimal = true
				i++
				for i < n && unicode.IsDigit(runes[i]) {
					i++
				}
			}
			text := string(runes[start:i])
			kind := tokInteger
			signed := text[0] == '-' || text[0] == '+'
			if isDecimal {
				kind = tokDecimal
			} else if !signed && text[0] != '0' && len(text) >= 6 && len(text) <= 18 {
				// SCTIDs are positive digit sequences of 6-18 digits.
				kind = tokSCTID
			}
			tokens = append(tokens, token{kind: kind, text: text, pos: start})

		case unicode.IsLetter(r):
			start := i
			for i < n && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i])) {
				i++
			}
			word := string(runes[start:i])
			switch strings.ToUpper(word) {
			case "AND":
				tokens = append(tokens, token{kind: tokAnd, text: word, pos: start})
			case "OR":
				tokens = append(tokens, token{kind: tokOr, text: word, pos: start})
			case "MINUS":
				tokens = append(tokens, token{kind: tokMinus, text: word, pos: start})
			default:
				if word == "R" {
					tokens = append(tokens, token{kind: tokReverse, text: word, pos: start})
				} else {
					return nil, &ParseError{Pos: start, Message: fmt.Sprintf("unexpected token %q", word)}
				}
			}

		default:
			return nil, &ParseError{Pos: i, Message: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: n})
	return tokens, nil
}
