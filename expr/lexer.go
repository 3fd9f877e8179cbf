package expr

import (
	"fmt"
	"strconv"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokVariable
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLess
	tokLessEq
	tokGreater
	tokGreaterEq
	tokEqual
	tokNotEqual
	tokQuestion
	tokColon
	tokLParen
	tokRParen
)

var tokenNames = map[tokenKind]string{
	tokEOF:       "end of formula",
	tokNumber:    "number",
	tokVariable:  "variable",
	tokPlus:      "'+'",
	tokMinus:     "'-'",
	tokStar:      "'*'",
	tokSlash:     "'/'",
	tokLess:      "'<'",
	tokLessEq:    "'<='",
	tokGreater:   "'>'",
	tokGreaterEq: "'>='",
	tokEqual:     "'=='",
	tokNotEqual:  "'!='",
	tokQuestion:  "'?'",
	tokColon:     "':'",
	tokLParen:    "'('",
	tokRParen:    "')'",
}

func (k tokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

var singleTokens = map[byte]tokenKind{
	'+': tokPlus, '-': tokMinus, '*': tokStar, '/': tokSlash,
	'?': tokQuestion, ':': tokColon, '(': tokLParen, ')': tokRParen,
}

type token struct {
	kind tokenKind
	pos  int
	text string
	num  float64
}

// lexer splits formula text into tokens. Whitespace is insignificant.
type lexer struct {
	src string
	pos int
}

func (l *lexer) all() ([]token, error) {
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case isDigit(c) || c == '.':
		return l.number()
	case c == '{':
		return l.variable()
	}

	if kind, ok := singleTokens[c]; ok {
		l.pos++
		return token{kind: kind, pos: start, text: string(c)}, nil
	}

	switch c {
	case '<':
		return l.operator(tokLessEq, tokLess)
	case '>':
		return l.operator(tokGreaterEq, tokGreater)
	case '=':
		return l.operator(tokEqual, tokEOF)
	case '!':
		return l.operator(tokNotEqual, tokEOF)
	}

	return token{}, l.errorf(start, "unexpected character %q", c)
}

// operator lexes a comparison that may be followed by '='. A without of
// tokEOF means the character is only valid with the '='.
func (l *lexer) operator(withEq, without tokenKind) (token, error) {
	start := l.pos
	c := l.src[start]
	if start+1 < len(l.src) && l.src[start+1] == '=' {
		l.pos += 2
		return token{kind: withEq, pos: start, text: l.src[start:l.pos]}, nil
	}
	if without == tokEOF {
		return token{}, l.errorf(start, "unexpected character %q", c)
	}
	l.pos++
	return token{kind: without, pos: start, text: string(c)}, nil
}

// number accepts digits with an optional fractional part: 12, 12.5, .5
func (l *lexer) number() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		l.pos++
		fracStart := l.pos
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
		if l.pos == fracStart {
			return token{}, l.errorf(start, "malformed number %q", l.src[start:l.pos])
		}
	}
	if l.pos < len(l.src) && (isLetter(l.src[l.pos]) || l.src[l.pos] == '.') {
		return token{}, l.errorf(start, "malformed number %q", l.src[start:l.pos+1])
	}

	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, l.errorf(start, "malformed number %q", text)
	}
	return token{kind: tokNumber, pos: start, text: text, num: n}, nil
}

// variable accepts {name} where name matches [A-Za-z][A-Za-z0-9_]*.
func (l *lexer) variable() (token, error) {
	start := l.pos
	l.pos++ // {
	nameStart := l.pos
	for l.pos < len(l.src) && l.src[l.pos] != '}' {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{}, l.errorf(start, "unterminated variable")
	}
	name := l.src[nameStart:l.pos]
	l.pos++ // }

	if !ValidName(name) {
		return token{}, l.errorf(start, "invalid variable name %q", name)
	}
	return token{kind: tokVariable, pos: start, text: name}, nil
}

func (l *lexer) errorf(pos int, format string, args ...any) error {
	return &SyntaxError{Formula: l.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// ValidName reports whether name is usable as a formula variable.
func ValidName(name string) bool {
	if name == "" || !isLetter(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '_' {
			return false
		}
	}
	return true
}

func isSpace(c byte) bool  { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
