// Package parser builds an ast.Program from IMGQL source text using a
// hand-written recursive-descent/Pratt parser.
package parser

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxlogica-project/voxlogica2/internal/ast"
	"github.com/voxlogica-project/voxlogica2/internal/lexer"
)

// Error is a parse error with a source position.
type Error struct {
	Line, Column int
	Msg          string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Msg)
}

// Parser consumes a token stream and builds an AST.
type Parser struct {
	toks []lexer.Token
	pos  int
	log  *slog.Logger
}

// ParseProgramContent parses a full IMGQL program.
func ParseProgramContent(src string) (*ast.Program, error) {
	return ParseProgramContentWithLogger(src, nil)
}

// ParseProgramContentWithLogger is ParseProgramContent with an explicit logger.
func ParseProgramContentWithLogger(src string, log *slog.Logger) (*ast.Program, error) {
	if log == nil {
		log = slog.Default()
	}
	lx := lexer.New(src, log)
	toks, err := lx.Tokenize()
	if err != nil {
		return nil, fmt.Errorf("lex: %w", err)
	}
	p := &Parser{toks: toks, log: log}
	return p.parseProgram()
}

// ParseExpressionContent parses a single expression. Used to re-materialize closure bodies stored
// as serialized source, by the engine's runtime closures and the policy engine's closure check.
func ParseExpressionContent(src string) (ast.Expression, error) {
	lx := lexer.New(src, slog.Default())
	toks, err := lx.Tokenize()
	if err != nil {
		return nil, fmt.Errorf("lex: %w", err)
	}
	p := &Parser{toks: toks, log: slog.Default()}
	e, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.cur().Type != lexer.EOF {
		return nil, p.errorf("unexpected trailing input %q", p.cur().Text)
	}
	return e, nil
}

func (p *Parser) cur() lexer.Token  { return p.toks[p.pos] }
func (p *Parser) peek(n int) lexer.Token {
	i := p.pos + n
	if i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[i]
}

func (p *Parser) advance() lexer.Token {
	t := p.cur()
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) errorf(format string, args ...any) error {
	t := p.cur()
	return &Error{Line: t.Line, Column: t.Column, Msg: fmt.Sprintf(format, args...)}
}

func (p *Parser) expect(tt lexer.TokenType, what string) (lexer.Token, error) {
	if p.cur().Type != tt {
		return lexer.Token{}, p.errorf("expected %s, got %q", what, p.cur().Text)
	}
	return p.advance(), nil
}

func pos(t lexer.Token) ast.Position { return ast.Position{Line: t.Line, Column: t.Column, Offset: t.Offset} }

func (p *Parser) parseProgram() (*ast.Program, error) {
	prog := &ast.Program{}
	for p.cur().Type != lexer.EOF {
		cmd, err := p.parseCommand()
		if err != nil {
			return nil, err
		}
		prog.Commands = append(prog.Commands, cmd)
	}
	return prog, nil
}

func (p *Parser) parseCommand() (ast.Command, error) {
	tok := p.cur()
	switch tok.Type {
	case lexer.KW_LET:
		return p.parseDeclaration()
	case lexer.KW_PRINT:
		p.advance()
		label, err := p.expect(lexer.STRING, "string literal")
		if err != nil {
			return nil, err
		}
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		return &ast.Print{Label: label.Text, Expr: expr, Pos: pos(tok)}, nil
	case lexer.KW_SAVE:
		p.advance()
		label, err := p.expect(lexer.STRING, "string literal")
		if err != nil {
			return nil, err
		}
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		return &ast.Save{Label: label.Text, Expr: expr, Pos: pos(tok)}, nil
	case lexer.KW_IMPORT:
		p.advance()
		str, err := p.expect(lexer.STRING, "string literal")
		if err != nil {
			return nil, err
		}
		return &ast.Import{Target: str.Text, Pos: pos(tok)}, nil
	default:
		return nil, p.errorf("expected a command (let/print/save/import), got %q", tok.Text)
	}
}

func (p *Parser) parseDeclaration() (*ast.Declaration, error) {
	letTok := p.advance() // consume 'let'
	idTok, err := p.expect(lexer.IDENT, "identifier")
	if err != nil {
		// allow symbolic operator names: `let .<=. (a,b) = ...`
		if p.cur().Type == lexer.SYMBOL {
			idTok = p.advance()
		} else {
			return nil, err
		}
	}

	var params []string
	if p.cur().Type == lexer.LPAREN {
		p.advance()
		for p.cur().Type != lexer.RPAREN {
			pt, err := p.expect(lexer.IDENT, "parameter name")
			if err != nil {
				return nil, err
			}
			params = append(params, pt.Text)
			if p.cur().Type == lexer.COMMA {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expect(lexer.RPAREN, ")"); err != nil {
			return nil, err
		}
		if params == nil {
			params = []string{}
		}
	}

	if _, err := p.expect(lexer.EQUALS, "="); err != nil {
		return nil, err
	}

	body, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}

	return &ast.Declaration{Id: idTok.Text, Params: params, Body: body, Pos: pos(letTok)}, nil
}

// parseExpr implements Pratt-style precedence climbing for binary symbolic
// operators, with let/for as prefix forms at the lowest precedence.
func (p *Parser) parseExpr(minPrec int) (ast.Expression, error) {
	if p.cur().Type == lexer.KW_LET {
		return p.parseLet()
	}
	if p.cur().Type == lexer.KW_FOR {
		return p.parseFor()
	}

	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		op := p.cur()
		if op.Type != lexer.SYMBOL {
			break
		}
		prec := precedenceOf(op.Text)
		if prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &ast.ECall{
			Id:        op.Text,
			Args:      []ast.Expression{left, right},
			HasParens: true,
			Pos:       pos(op),
		}
	}
	return left, nil
}

func (p *Parser) parseLet() (ast.Expression, error) {
	letTok := p.advance()
	idTok, err := p.expect(lexer.IDENT, "identifier")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.EQUALS, "="); err != nil {
		return nil, err
	}
	value, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.KW_IN, "in"); err != nil {
		return nil, err
	}
	body, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	return &ast.ELet{Var: idTok.Text, Value: value, Body: body, Pos: pos(letTok)}, nil
}

func (p *Parser) parseFor() (ast.Expression, error) {
	forTok := p.advance()
	idTok, err := p.expect(lexer.IDENT, "identifier")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.KW_IN, "in"); err != nil {
		return nil, err
	}
	iterable, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.KW_DO, "do"); err != nil {
		return nil, err
	}
	body, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	return &ast.EFor{Var: idTok.Text, Iterable: iterable, Body: body, Pos: pos(forTok)}, nil
}

// parseUnary handles unary minus and falls through to a primary/call.
func (p *Parser) parseUnary() (ast.Expression, error) {
	if p.cur().Type == lexer.SYMBOL && (p.cur().Text == "-" || p.cur().Text == "+") {
		op := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		name := "unary" + op.Text
		return &ast.ECall{Id: name, Args: []ast.Expression{operand}, HasParens: true, Pos: pos(op)}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (ast.Expression, error) {
	tok := p.cur()
	switch tok.Type {
	case lexer.NUMBER:
		p.advance()
		return &ast.ENumber{Text: tok.Text, Pos: pos(tok)}, nil
	case lexer.STRING:
		p.advance()
		return &ast.EString{Value: tok.Text, Pos: pos(tok)}, nil
	case lexer.KW_TRUE:
		p.advance()
		return &ast.EBool{Value: true, Pos: pos(tok)}, nil
	case lexer.KW_FALSE:
		p.advance()
		return &ast.EBool{Value: false, Pos: pos(tok)}, nil
	case lexer.LPAREN:
		p.advance()
		e, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.RPAREN, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case lexer.IDENT, lexer.SYMBOL:
		return p.parseIdentOrCall()
	default:
		return nil, p.errorf("unexpected token %q in expression", tok.Text)
	}
}

func (p *Parser) parseIdentOrCall() (ast.Expression, error) {
	idTok := p.advance()
	id := idTok.Text
	// qualified name: ns.name (only for IDENT; symbolic ops can't be qualified)
	if idTok.Type == lexer.IDENT {
		for p.cur().Type == lexer.SYMBOL && p.cur().Text == "." && p.peek(1).Type == lexer.IDENT {
			p.advance() // '.'
			next := p.advance()
			id = id + "." + next.Text
		}
	}

	if p.cur().Type != lexer.LPAREN {
		return &ast.ECall{Id: id, HasParens: false, Pos: pos(idTok)}, nil
	}

	p.advance() // '('
	var args []ast.Expression
	var kwargs []ast.KeywordArg
	for p.cur().Type != lexer.RPAREN {
		if p.cur().Type == lexer.IDENT && p.peek(1).Type == lexer.COLON {
			name := p.advance().Text
			p.advance() // ':'
			v, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			kwargs = append(kwargs, ast.KeywordArg{Name: name, Value: v})
		} else {
			v, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		if p.cur().Type == lexer.COMMA {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(lexer.RPAREN, ")"); err != nil {
		return nil, err
	}
	return &ast.ECall{Id: id, Args: args, Kwargs: kwargs, HasParens: true, Pos: pos(idTok)}, nil
}

// precedenceOf assigns a binding-power class to a symbolic infix operator
// based on the strongest operator-category rune it contains. Dots used for
// element-wise broadcast (`+.`, `.-`, `.<=.`) don't change the category.
func precedenceOf(op string) int {
	core := strings.Trim(op, ".")
	if core == "" {
		core = op
	}
	switch {
	case core == "||" || core == "|":
		return 1
	case core == "&&" || core == "&":
		return 2
	case strings.ContainsAny(core, "<>") || core == "==" || core == "!=":
		return 3
	case strings.ContainsAny(core, "+-"):
		return 4
	case strings.ContainsAny(core, "*/%"):
		return 5
	default:
		return 4
	}
}
