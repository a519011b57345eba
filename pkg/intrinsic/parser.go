package intrinsic

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadExpression marks a syntactically invalid template expression.
var ErrBadExpression = errors.New("malformed template expression")

type parser struct {
	tokens  []token
	current int
}

// Parse turns an expression source string into its AST.
func Parse(source string) (Expr, error) {
	tokens, err := newScanner(source).scan()
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}

	expr, err := p.expression()
	if err != nil {
		return nil, err
	}

	if !p.check(tokenEOF) {
		return nil, fmt.Errorf("%w: trailing input after expression in %q", ErrBadExpression, source)
	}

	return expr, nil
}

func (p *parser) expression() (Expr, error) {
	tok := p.advance()

	switch tok.kind {
	case tokenString:
		return Literal{Value: tok.literal}, nil
	case tokenNumber:
		return Literal{Value: tok.literal}, nil
	case tokenIdent:
		return p.identifier(tok)
	default:
		return nil, fmt.Errorf("%w: unexpected token %q at offset %d", ErrBadExpression, tok.lexeme, tok.pos)
	}
}

func (p *parser) identifier(tok token) (Expr, error) {
	switch tok.lexeme {
	case "true":
		return Literal{Value: true}, nil
	case "false":
		return Literal{Value: false}, nil
	case "null":
		return Literal{Value: nil}, nil
	}

	if !p.check(tokenLeftParen) {
		return Path{Raw: tok.lexeme}, nil
	}

	p.advance() // consume '('

	if strings.ContainsAny(tok.lexeme, ".[]") {
		return nil, fmt.Errorf("%w: invalid function name %q", ErrBadExpression, tok.lexeme)
	}

	call := Call{Name: tok.lexeme}

	if p.check(tokenRightParen) {
		p.advance()

		return call, nil
	}

	for {
		arg, err := p.expression()
		if err != nil {
			return nil, err
		}

		call.Args = append(call.Args, arg)

		if p.check(tokenComma) {
			p.advance()

			continue
		}

		break
	}

	if !p.check(tokenRightParen) {
		return nil, fmt.Errorf("%w: expected ')' in call to %s", ErrBadExpression, call.Name)
	}

	p.advance()

	return call, nil
}

func (p *parser) advance() token {
	tok := p.tokens[p.current]
	if tok.kind != tokenEOF {
		p.current++
	}

	return tok
}

func (p *parser) check(kind tokenType) bool {
	return p.tokens[p.current].kind == kind
}
