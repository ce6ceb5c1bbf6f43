// Package parse implements the DSL's recursive-descent, precedence-climbing
// parser.
package parse

import (
	"github.com/leonardorey/psrun/internal/ast"
	"github.com/leonardorey/psrun/internal/lex"
	"github.com/leonardorey/psrun/internal/perr"
)

type parser struct {
	toks []lex.Token
	pos  int
}

// Parse tokenizes and parses src into a top-level Block of statements.
func Parse(src string) (*ast.Block, error) {
	toks, err := lex.Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parseProgram()
}

func (p *parser) cur() lex.Token { return p.toks[p.pos] }
func (p *parser) line() int      { return p.cur().Line }
func (p *parser) advance() lex.Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) is(t lex.TokenType) bool { return p.cur().Type == t }

func (p *parser) isKw(kw string) bool {
	return p.cur().Type == lex.KEYWORD && p.cur().Lit == kw
}

func (p *parser) expect(t lex.TokenType) (lex.Token, error) {
	if !p.is(t) {
		return lex.Token{}, perr.Parse(p.line(), "expected "+t.String()+", got "+p.cur().Type.String()+" "+p.cur().Lit)
	}
	return p.advance(), nil
}

func (p *parser) expectKw(kw string) error {
	if !p.isKw(kw) {
		return perr.Parse(p.line(), "expected keyword "+kw)
	}
	p.advance()
	return nil
}

func (p *parser) skipNewlines() {
	for p.is(lex.NEWLINE) {
		p.advance()
	}
}

func b(line int) ast.Base { return ast.Base{L: line} }

func (p *parser) parseProgram() (*ast.Block, error) {
	line := p.line()
	var stmts []ast.Stmt
	p.skipNewlines()
	for !p.is(lex.EOF) {
		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
		p.skipNewlines()
	}
	return ast.NewBlock(line, stmts), nil
}

// parseBlock parses ":" NEWLINE INDENT stmt* DEDENT.
func (p *parser) parseBlock() (*ast.Block, error) {
	if _, err := p.expect(lex.COLON); err != nil {
		return nil, err
	}
	line := p.line()
	if _, err := p.expect(lex.NEWLINE); err != nil {
		return nil, err
	}
	p.skipNewlines()
	if _, err := p.expect(lex.INDENT); err != nil {
		return nil, err
	}
	var stmts []ast.Stmt
	p.skipNewlines()
	for !p.is(lex.DEDENT) && !p.is(lex.EOF) {
		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
		p.skipNewlines()
	}
	if _, err := p.expect(lex.DEDENT); err != nil {
		return nil, err
	}
	return ast.NewBlock(line, stmts), nil
}

func (p *parser) parseStmt() (ast.Stmt, error) {
	switch {
	case p.isKw("def"):
		return p.parseFuncDef()
	case p.isKw("class"):
		return p.parseClassDef()
	case p.isKw("if"):
		return p.parseIf()
	case p.isKw("while"):
		return p.parseWhile()
	case p.isKw("for"):
		return p.parseForIn()
	case p.isKw("with"):
		return p.parseWithPolicy()
	case p.isKw("retry"):
		return p.parseRetry()
	case p.isKw("timeout"):
		return p.parseTimeout()
	case p.isKw("guard"):
		return p.parseGuard()
	case p.isKw("return"):
		return p.parseReturn()
	case p.isKw("break"):
		line := p.advance().Line
		return &ast.BreakStmt{Base: b(line)}, nil
	default:
		return p.parseAssignOrExpr()
	}
}

func (p *parser) parseFuncDef() (ast.Stmt, error) {
	line := p.line()
	p.advance() // def
	name, err := p.expect(lex.IDENT)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.LPAREN); err != nil {
		return nil, err
	}
	var params []string
	for !p.is(lex.RPAREN) {
		id, err := p.expect(lex.IDENT)
		if err != nil {
			return nil, err
		}
		params = append(params, id.Lit)
		if p.is(lex.COMMA) {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(lex.RPAREN); err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.FuncDef{Base: b(line), Name: name.Lit, Params: params, Body: body}, nil
}

func (p *parser) parseClassDef() (ast.Stmt, error) {
	line := p.line()
	p.advance() // class
	name, err := p.expect(lex.IDENT)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.COLON); err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.NEWLINE); err != nil {
		return nil, err
	}
	p.skipNewlines()
	if _, err := p.expect(lex.INDENT); err != nil {
		return nil, err
	}
	var methods []*ast.FuncDef
	p.skipNewlines()
	for !p.is(lex.DEDENT) && !p.is(lex.EOF) {
		s, err := p.parseFuncDef()
		if err != nil {
			return nil, err
		}
		fd, ok := s.(*ast.FuncDef)
		if !ok {
			return nil, perr.Parse(p.line(), "class body may only contain method definitions")
		}
		methods = append(methods, fd)
		p.skipNewlines()
	}
	if _, err := p.expect(lex.DEDENT); err != nil {
		return nil, err
	}
	return &ast.ClassDef{Base: b(line), Name: name.Lit, Methods: methods}, nil
}

func (p *parser) parseIf() (ast.Stmt, error) {
	line := p.line()
	p.advance() // if
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	thenBlk, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	node := &ast.If{Base: b(line), Cond: cond, Then: thenBlk}
	if p.isKw("else") {
		p.advance()
		if p.isKw("if") {
			elifStmt, err := p.parseIf()
			if err != nil {
				return nil, err
			}
			node.Else = ast.NewBlock(p.line(), []ast.Stmt{elifStmt})
		} else {
			elseBlk, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			node.Else = elseBlk
		}
	}
	return node, nil
}

func (p *parser) parseWhile() (ast.Stmt, error) {
	line := p.line()
	p.advance()
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.While{Base: b(line), Cond: cond, Body: body}, nil
}

func (p *parser) parseForIn() (ast.Stmt, error) {
	line := p.line()
	p.advance() // for
	id, err := p.expect(lex.IDENT)
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("in"); err != nil {
		return nil, err
	}
	iter, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.ForIn{Base: b(line), Var: id.Lit, Iter: iter, Body: body}, nil
}

func (p *parser) parseWithPolicy() (ast.Stmt, error) {
	line := p.line()
	p.advance() // with
	if err := p.expectKw("policy"); err != nil {
		return nil, err
	}
	overlay, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.WithPolicy{Base: b(line), Overlay: overlay, Body: body}, nil
}

func (p *parser) parseRetry() (ast.Stmt, error) {
	line := p.line()
	p.advance() // retry
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("backoff"); err != nil {
		return nil, err
	}
	m, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.RetryBlock{Base: b(line), N: n, Backoff: m, Body: body}, nil
}

func (p *parser) parseTimeout() (ast.Stmt, error) {
	line := p.line()
	p.advance() // timeout
	ms, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.TimeoutBlock{Base: b(line), Ms: ms, Body: body}, nil
}

func (p *parser) parseGuard() (ast.Stmt, error) {
	line := p.line()
	p.advance() // guard
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ast.Guard{Base: b(line), Cond: cond}, nil
}

func (p *parser) parseReturn() (ast.Stmt, error) {
	line := p.line()
	p.advance()
	if p.is(lex.NEWLINE) || p.is(lex.DEDENT) || p.is(lex.EOF) {
		return &ast.Return{Base: b(line)}, nil
	}
	v, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ast.Return{Base: b(line), Value: v}, nil
}

func isAssignTarget(e ast.Expr) bool {
	switch e.(type) {
	case *ast.Ident, *ast.Member, *ast.Index:
		return true
	default:
		return false
	}
}

func (p *parser) parseAssignOrExpr() (ast.Stmt, error) {
	line := p.line()
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.is(lex.ASSIGN) && isAssignTarget(x) {
		p.advance()
		rhs, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ast.Assign{Base: b(line), Target: x, Value: rhs}, nil
	}
	return &ast.ExprStmt{Base: b(line), X: x}, nil
}

// ---- expressions: or < not < and < comparison < + < postfix < primary ----

func (p *parser) parseExpr() (ast.Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (ast.Expr, error) {
	left, err := p.parseNotLevel()
	if err != nil {
		return nil, err
	}
	for p.isKw("or") {
		line := p.advance().Line
		right, err := p.parseNotLevel()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Base: b(line), Op: "or", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNotLevel() (ast.Expr, error) {
	if p.isKw("not") {
		line := p.advance().Line
		x, err := p.parseNotLevel()
		if err != nil {
			return nil, err
		}
		return &ast.Unary{Base: b(line), Op: "not", X: x}, nil
	}
	return p.parseAnd()
}

func (p *parser) parseAnd() (ast.Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.isKw("and") {
		line := p.advance().Line
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Base: b(line), Op: "and", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (ast.Expr, error) {
	left, err := p.parsePlus()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.is(lex.EQEQ):
			op = "=="
		case p.is(lex.NEQ):
			op = "!="
		case p.is(lex.LE):
			op = "<="
		case p.is(lex.GE):
			op = ">="
		case p.is(lex.LT):
			op = "<"
		case p.is(lex.GT):
			op = ">"
		case p.isKw("in"):
			op = "in"
		default:
			return left, nil
		}
		line := p.advance().Line
		right, err := p.parsePlus()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Base: b(line), Op: op, L: left, R: right}
	}
}

func (p *parser) parsePlus() (ast.Expr, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for p.is(lex.PLUS) {
		line := p.advance().Line
		right, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Base: b(line), Op: "+", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parsePostfix() (ast.Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.is(lex.DOT):
			line := p.advance().Line
			id, err := p.expect(lex.IDENT)
			if err != nil {
				return nil, err
			}
			x = &ast.Member{Base: b(line), X: x, Name: id.Lit}
		case p.is(lex.LBRACKET):
			line := p.advance().Line
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lex.RBRACKET); err != nil {
				return nil, err
			}
			x = &ast.Index{Base: b(line), X: x, Idx: idx}
		case p.is(lex.LPAREN):
			line := p.advance().Line
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lex.RPAREN); err != nil {
				return nil, err
			}
			x = &ast.Call{Base: b(line), Callee: x, Args: args}
		default:
			return x, nil
		}
	}
}

func (p *parser) parseArgs() ([]ast.Expr, error) {
	var args []ast.Expr
	for !p.is(lex.RPAREN) {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if p.is(lex.COMMA) {
			p.advance()
			if p.is(lex.RPAREN) {
				break
			}
			continue
		}
		break
	}
	return args, nil
}

func (p *parser) parsePrimary() (ast.Expr, error) {
	line := p.line()
	switch {
	case p.is(lex.INT):
		t := p.advance()
		return &ast.IntLit{Base: b(line), V: t.Int}, nil
	case p.is(lex.STRING):
		t := p.advance()
		return &ast.StrLit{Base: b(line), V: t.Lit}, nil
	case p.isKw("true"):
		p.advance()
		return &ast.BoolLit{Base: b(line), V: true}, nil
	case p.isKw("false"):
		p.advance()
		return &ast.BoolLit{Base: b(line), V: false}, nil
	case p.isKw("null"):
		p.advance()
		return &ast.NullLit{Base: b(line)}, nil
	case p.is(lex.IDENT):
		t := p.advance()
		return &ast.Ident{Base: b(line), Name: t.Lit}, nil
	case p.is(lex.LPAREN):
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.RPAREN); err != nil {
			return nil, err
		}
		return e, nil
	case p.is(lex.LBRACE):
		return p.parseObjectLit()
	case p.is(lex.LBRACKET):
		return p.parseArrayLit()
	default:
		return nil, perr.Parse(line, "unexpected token "+p.cur().Type.String()+" "+p.cur().Lit)
	}
}

func (p *parser) parseObjectLit() (ast.Expr, error) {
	line := p.advance().Line // {
	var keys []string
	var vals []ast.Expr
	for !p.is(lex.RBRACE) {
		var key string
		switch {
		case p.is(lex.IDENT), p.is(lex.KEYWORD):
			key = p.advance().Lit
		case p.is(lex.STRING):
			key = p.advance().Lit
		default:
			return nil, perr.Parse(p.line(), "expected object key")
		}
		if _, err := p.expect(lex.COLON); err != nil {
			return nil, err
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		vals = append(vals, v)
		if p.is(lex.COMMA) {
			p.advance()
			if p.is(lex.RBRACE) {
				break
			}
			continue
		}
		break
	}
	if _, err := p.expect(lex.RBRACE); err != nil {
		return nil, err
	}
	return &ast.ObjectLit{Base: b(line), Keys: keys, Values: vals}, nil
}

func (p *parser) parseArrayLit() (ast.Expr, error) {
	line := p.advance().Line // [
	var elems []ast.Expr
	for !p.is(lex.RBRACKET) {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if p.is(lex.COMMA) {
			p.advance()
			if p.is(lex.RBRACKET) {
				break
			}
			continue
		}
		break
	}
	if _, err := p.expect(lex.RBRACKET); err != nil {
		return nil, err
	}
	return &ast.ArrayLit{Base: b(line), Elems: elems}, nil
}
