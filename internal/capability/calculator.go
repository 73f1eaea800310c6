package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// calculatorSchema restricts input to a single expression string.
var calculatorSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"expression": {
			"type": "string",
			"description": "The math expression to evaluate (e.g., '200 * 5', '10 + 5')."
		}
	},
	"required": ["expression"]
}`)

// RegisterCalculator adds the calculator capability to the registry.
func RegisterCalculator(r *Registry) error {
	return r.Register(&Capability{
		Name:        "calculator",
		Description: "Useful for performing math. Accepts an expression like \"2 * 5\" or \"100 / 4\".",
		Schema:      calculatorSchema,
	}, handleCalculator)
}

func handleCalculator(_ context.Context, args map[string]any) (string, error) {
	expr, err := stringArg(args, "expression")
	if err != nil {
		return "", err
	}

	// Reject anything outside digits, + - * / ( ) . and whitespace
	// before evaluation. Rejection happens first; an expression with a
	// forbidden character is never evaluated, even partially.
	if i := strings.IndexFunc(expr, func(r rune) bool {
		return !strings.ContainsRune("0123456789+-*/(). \t", r)
	}); i >= 0 {
		return "", fmt.Errorf("invalid characters in math expression")
	}

	result, err := evalExpression(expr)
	if err != nil {
		return "", fmt.Errorf("math error: %v", err)
	}

	return successJSON(map[string]any{
		"expression": expr,
		"result":     result,
	})
}

// evalExpression evaluates an arithmetic expression over float64 with
// the usual precedence: unary minus, then * /, then + -, with
// parenthesized grouping.
func evalExpression(s string) (float64, error) {
	p := &exprParser{input: s}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

// exprParser is a recursive-descent parser over a byte offset.
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() (byte, bool) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

// parseExpr handles + and -.
func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.peek()
		if !ok || (op != '+' && op != '-') {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

// parseTerm handles * and /.
func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.peek()
		if !ok || (op != '*' && op != '/') {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
}

// parseUnary handles leading minus signs.
func (p *exprParser) parseUnary() (float64, error) {
	if c, ok := p.peek(); ok && c == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePrimary()
}

// parsePrimary handles numbers and parenthesized groups.
func (p *exprParser) parsePrimary() (float64, error) {
	c, ok := p.peek()
	if !ok {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	if c == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		c, ok := p.peek()
		if !ok || c != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("unexpected %q at position %d", c, p.pos)
	}

	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
