package expr

// Grammar, lowest precedence first:
//
//	conditional := comparison [ "?" conditional ":" conditional ]
//	comparison  := additive { ("<" | "<=" | ">" | ">=" | "==" | "!=") additive }
//	additive    := term { ("+" | "-") term }
//	term        := unary { ("*" | "/") unary }
//	unary       := ("-" | "+") unary | primary
//	primary     := number | variable | "(" conditional ")"
type parser struct {
	src  string
	toks []token
	pos  int
	vars map[string]struct{}
}

func (p *parser) parse() (node, error) {
	n, err := p.conditional()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.unexpected(tok)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) conditional() (node, error) {
	cond, err := p.comparison()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokQuestion {
		return cond, nil
	}
	p.advance()

	then, err := p.conditional()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokColon {
		return nil, p.errorAt(tok, "expected ':' in conditional, found "+describe(tok))
	}
	p.advance()

	otherwise, err := p.conditional()
	if err != nil {
		return nil, err
	}
	return &conditionalNode{cond: cond, then: then, otherwise: otherwise}, nil
}

func (p *parser) comparison() (node, error) {
	return p.binary(p.additive, tokLess, tokLessEq, tokGreater, tokGreaterEq, tokEqual, tokNotEqual)
}

func (p *parser) additive() (node, error) {
	return p.binary(p.term, tokPlus, tokMinus)
}

func (p *parser) term() (node, error) {
	return p.binary(p.unary, tokStar, tokSlash)
}

// binary parses a left-associative chain of operands joined by ops.
func (p *parser) binary(operand func() (node, error), ops ...tokenKind) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if !containsKind(ops, tok.kind) {
			return left, nil
		}
		p.advance()
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tok.kind, left: left, right: right}
	}
}

func (p *parser) unary() (node, error) {
	tok := p.peek()
	if tok.kind == tokMinus || tok.kind == tokPlus {
		p.advance()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tok.kind, operand: operand}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber:
		return &numberNode{value: tok.num}, nil
	case tokVariable:
		p.vars[tok.text] = struct{}{}
		return &variableNode{name: tok.text}, nil
	case tokLParen:
		inner, err := p.conditional()
		if err != nil {
			return nil, err
		}
		if closing := p.peek(); closing.kind != tokRParen {
			return nil, p.errorAt(closing, "unbalanced parentheses: expected ')', found "+describe(closing))
		}
		p.advance()
		return inner, nil
	case tokRParen:
		return nil, p.errorAt(tok, "unbalanced parentheses: unexpected ')'")
	}
	return nil, p.unexpected(tok)
}

func (p *parser) unexpected(tok token) error {
	if tok.kind == tokEOF {
		return p.errorAt(tok, "unexpected end of formula")
	}
	return p.errorAt(tok, "unexpected "+describe(tok))
}

func (p *parser) errorAt(tok token, msg string) error {
	return &SyntaxError{Formula: p.src, Pos: tok.pos, Msg: msg}
}

func describe(tok token) string {
	switch tok.kind {
	case tokNumber:
		return "number " + tok.text
	case tokVariable:
		return "variable {" + tok.text + "}"
	}
	return tok.kind.String()
}

func containsKind(kinds []tokenKind, k tokenKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}
