package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/types"
)

// Parse parses a transform declaration: a metadata header (trust/payment/
// reversible/signature clauses, any order, all optional) followed by zero
// or more `let name = expr` statements and a single terminating `return
// expr`. Syntax errors are reported with the offending line number.
func Parse(source string) (*Program, error) {
	prog := &Program{Payment: types.PaymentNone}
	sawReturn := false

	lines := strings.Split(source, "\n")
	for idx, raw := range lines {
		lineNo := idx + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "trust:"):
			trust, err := parseTrust(strings.TrimSpace(strings.TrimPrefix(line, "trust:")), lineNo)
			if err != nil {
				return nil, err
			}
			prog.Trust = trust

		case strings.HasPrefix(line, "payment:"):
			val := strings.TrimSpace(strings.TrimPrefix(line, "payment:"))
			switch val {
			case "none":
				prog.Payment = types.PaymentNone
			case "optional":
				prog.Payment = types.PaymentOptional
			case "required":
				prog.Payment = types.PaymentRequired
			default:
				return nil, fmt.Errorf("%w: line %d: unknown payment clause %q", ferrors.ErrInvalidTransform, lineNo, val)
			}

		case strings.HasPrefix(line, "reversible:"):
			val := strings.TrimSpace(strings.TrimPrefix(line, "reversible:"))
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: invalid reversible clause %q", ferrors.ErrInvalidTransform, lineNo, val)
			}
			prog.Reversible = b

		case strings.HasPrefix(line, "signature:"):
			val := strings.TrimSpace(strings.TrimPrefix(line, "signature:"))
			prog.Signature = strings.Trim(val, `"`)

		case strings.HasPrefix(line, "let "):
			rest := strings.TrimSpace(strings.TrimPrefix(line, "let "))
			eq := strings.Index(rest, "=")
			if eq < 0 {
				return nil, fmt.Errorf("%w: line %d: let statement missing '='", ferrors.ErrInvalidTransform, lineNo)
			}
			name := strings.TrimSpace(rest[:eq])
			if name == "" {
				return nil, fmt.Errorf("%w: line %d: let statement missing name", ferrors.ErrInvalidTransform, lineNo)
			}
			expr, err := parseExprString(strings.TrimSpace(rest[eq+1:]), lineNo)
			if err != nil {
				return nil, err
			}
			prog.Lets = append(prog.Lets, LetStmt{Name: name, Value: expr})

		case strings.HasPrefix(line, "return "):
			expr, err := parseExprString(strings.TrimSpace(strings.TrimPrefix(line, "return ")), lineNo)
			if err != nil {
				return nil, err
			}
			prog.Return = expr
			sawReturn = true

		default:
			return nil, fmt.Errorf("%w: line %d: unrecognized statement %q", ferrors.ErrInvalidTransform, lineNo, line)
		}
	}

	if !sawReturn {
		return nil, fmt.Errorf("%w: transform declaration has no return statement", ferrors.ErrInvalidTransform)
	}
	return prog, nil
}

func parseTrust(clause string, lineNo int) (types.TrustRequirement, error) {
	if clause == "unrestricted" {
		return types.TrustRequirement{Unrestricted: true}, nil
	}
	fields := strings.Fields(clause)
	if len(fields) != 3 || fields[1] != "<=" {
		return types.TrustRequirement{}, fmt.Errorf("%w: line %d: invalid trust clause %q", ferrors.ErrInvalidTransform, lineNo, clause)
	}
	var op types.PermissionOp
	switch fields[0] {
	case "read":
		op = types.PermissionOpRead
	case "write":
		op = types.PermissionOpWrite
	default:
		return types.TrustRequirement{}, fmt.Errorf("%w: line %d: trust clause must start with read or write", ferrors.ErrInvalidTransform, lineNo)
	}
	n, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return types.TrustRequirement{}, fmt.Errorf("%w: line %d: invalid trust distance %q", ferrors.ErrInvalidTransform, lineNo, fields[2])
	}
	return types.TrustRequirement{Op: op, MaxDistance: uint32(n)}, nil
}

func parseExprString(expr string, lineNo int) (Node, error) {
	toks, err := lexExpr(expr, lineNo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ferrors.ErrInvalidTransform, err)
	}
	p := &exprParser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ferrors.ErrInvalidTransform, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: line %d: unexpected trailing token %q", ferrors.ErrInvalidTransform, lineNo, p.peek().text)
	}
	return node, nil
}

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *exprParser) expectIdent(word string) error {
	t := p.peek()
	if t.kind != tokIdent || t.text != word {
		return fmt.Errorf("line %d: expected %q, got %q", t.line, word, t.text)
	}
	p.next()
	return nil
}

func (p *exprParser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		op := p.next().text
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (Node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		op := p.next().text
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

var cmpOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *exprParser) parseCmp() (Node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && cmpOps[p.peek().text] {
		op := p.next().text
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *exprParser) parseAdd() (Node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *exprParser) parseMul() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (Node, error) {
	if p.peek().kind == tokOp && (p.peek().text == "-" || p.peek().text == "!") {
		op := p.next().text
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: op, Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (Node, error) {
	t := p.peek()
	switch {
	case t.kind == tokNumber:
		p.next()
		return NumberLit{Value: t.num}, nil

	case t.kind == tokString:
		p.next()
		return StringLit{Value: t.text}, nil

	case t.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("line %d: expected ')'", t.line)
		}
		p.next()
		return inner, nil

	case t.kind == tokIdent && t.text == "if":
		p.next()
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectIdent("then"); err != nil {
			return nil, err
		}
		thenExpr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectIdent("else"); err != nil {
			return nil, err
		}
		elseExpr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		return CondExpr{Cond: cond, Then: thenExpr, Else: elseExpr}, nil

	case t.kind == tokIdent && t.text == "true":
		p.next()
		return BoolLit{Value: true}, nil

	case t.kind == tokIdent && t.text == "false":
		p.next()
		return BoolLit{Value: false}, nil

	case t.kind == tokIdent:
		name := p.next().text
		if p.peek().kind == tokLParen {
			p.next()
			var args []Node
			if p.peek().kind != tokRParen {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind == tokComma {
						p.next()
						continue
					}
					break
				}
			}
			if p.peek().kind != tokRParen {
				return nil, fmt.Errorf("line %d: expected ')' after call arguments", t.line)
			}
			p.next()
			return CallExpr{Callee: name, Args: args}, nil
		}
		return Ident{Name: name}, nil

	default:
		return nil, fmt.Errorf("line %d: unexpected token %q", t.line, t.text)
	}
}
