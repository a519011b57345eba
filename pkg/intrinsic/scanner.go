package intrinsic

import (
	"fmt"
	"strconv"
)

type tokenType int

const (
	tokenLeftParen tokenType = iota
	tokenRightParen
	tokenComma
	tokenString
	tokenNumber
	tokenIdent
	tokenEOF
)

type token struct {
	kind    tokenType
	lexeme  string
	literal any
	pos     int
}

// scanner converts an expression source string into tokens. Identifiers are
// greedy: a dotted, optionally indexed path like "nodeA.items[0].id" scans as
// a single IDENT lexeme.
type scanner struct {
	source  string
	tokens  []token
	start   int
	current int
}

func newScanner(source string) *scanner {
	return &scanner{source: source}
}

func (s *scanner) scan() ([]token, error) {
	for !s.atEnd() {
		s.start = s.current

		err := s.scanToken()
		if err != nil {
			return nil, err
		}
	}

	s.tokens = append(s.tokens, token{kind: tokenEOF, pos: s.current})

	return s.tokens, nil
}

func (s *scanner) scanToken() error {
	c := s.advance()

	switch {
	case c == '(':
		s.addToken(tokenLeftParen, nil)
	case c == ')':
		s.addToken(tokenRightParen, nil)
	case c == ',':
		s.addToken(tokenComma, nil)
	case c == ' ' || c == '\t':
		// skip
	case c == '\'':
		return s.scanString()
	case isDigit(c) || c == '-':
		return s.scanNumber()
	case isAlpha(c):
		s.scanIdentifier()
	default:
		return fmt.Errorf("%w: unexpected character %q at offset %d", ErrBadExpression, c, s.start)
	}

	return nil
}

func (s *scanner) scanString() error {
	for !s.atEnd() && s.peek() != '\'' {
		s.current++
	}

	if s.atEnd() {
		return fmt.Errorf("%w: unterminated string at offset %d", ErrBadExpression, s.start)
	}

	s.current++ // closing quote

	s.addToken(tokenString, s.source[s.start+1:s.current-1])

	return nil
}

func (s *scanner) scanNumber() error {
	for !s.atEnd() && (isDigit(s.peek()) || s.peek() == '.') {
		s.current++
	}

	lexeme := s.source[s.start:s.current]

	value, err := strconv.ParseFloat(lexeme, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed number %q", ErrBadExpression, lexeme)
	}

	s.addToken(tokenNumber, value)

	return nil
}

func (s *scanner) scanIdentifier() {
	for !s.atEnd() && isPathChar(s.peek()) {
		s.current++
	}

	s.addToken(tokenIdent, nil)
}

func (s *scanner) addToken(kind tokenType, literal any) {
	s.tokens = append(s.tokens, token{
		kind:    kind,
		lexeme:  s.source[s.start:s.current],
		literal: literal,
		pos:     s.start,
	})
}

func (s *scanner) advance() byte {
	c := s.source[s.current]
	s.current++

	return c
}

func (s *scanner) peek() byte {
	return s.source[s.current]
}

func (s *scanner) atEnd() bool {
	return s.current >= len(s.source)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isPathChar(c byte) bool {
	return isAlpha(c) || isDigit(c) || c == '.' || c == '-' || c == '[' || c == ']'
}
