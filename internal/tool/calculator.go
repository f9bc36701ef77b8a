package tool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errDivisionByZero = errors.New("division by zero")

type unknownNameError struct{ name string }

func (e unknownNameError) Error() string {
	return fmt.Sprintf("name '%s' is not defined", e.name)
}

var calcConstants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

var calcFunctions = map[string]func(args []float64) (float64, error){
	"abs":  unary(math.Abs),
	"sqrt": unary(math.Sqrt),
	"sin":  unary(math.Sin),
	"cos":  unary(math.Cos),
	"tan":  unary(math.Tan),
	"pow": func(args []float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("pow expects 2 arguments, got %d", len(args))
		}
		return math.Pow(args[0], args[1]), nil
	},
	"round": func(args []float64) (float64, error) {
		switch len(args) {
		case 1:
			return math.RoundToEven(args[0]), nil
		case 2:
			scale := math.Pow(10, math.Trunc(args[1]))
			return math.RoundToEven(args[0]*scale) / scale, nil
		}
		return 0, fmt.Errorf("round expects 1 or 2 arguments, got %d", len(args))
	},
	"min": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, errors.New("min expects at least 1 argument")
		}
		m := args[0]
		for _, a := range args[1:] {
			m = math.Min(m, a)
		}
		return m, nil
	},
	"max": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, errors.New("max expects at least 1 argument")
		}
		m := args[0]
		for _, a := range args[1:] {
			m = math.Max(m, a)
		}
		return m, nil
	},
	"sum": func(args []float64) (float64, error) {
		var s float64
		for _, a := range args {
			s += a
		}
		return s, nil
	},
}

func unary(fn func(float64) float64) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(args[0]), nil
	}
}

// CalculateTool evaluates arithmetic expressions with Python operator
// semantics: ** is right associative and binds tighter than unary minus,
// // and % floor. Only numeric literals, the constants pi and e and a fixed
// set of math functions are accepted.
type CalculateTool struct{}

func (t *CalculateTool) Name() string { return "calculate" }
func (t *CalculateTool) Description() string {
	return "Evaluate a math expression. Supports + - * / // % ** and abs, round, min, max, sum, pow, sqrt, sin, cos, tan, pi, e"
}
func (t *CalculateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "description": "Expression to evaluate, e.g. sqrt(2) * 3"},
		},
		"required": []string{"expression"},
	}
}

func (t *CalculateTool) Execute(_ context.Context, _ Execution, params map[string]any) (string, error) {
	expression := getString(params, "expression")
	if expression == "" {
		return "Error: 'expression' parameter is required", nil
	}

	val, err := Evaluate(expression)
	var unknown unknownNameError
	switch {
	case errors.Is(err, errDivisionByZero):
		return "Error: Division by zero", nil
	case errors.As(err, &unknown):
		return "Error: Unknown function - " + unknown.Error(), nil
	case err != nil:
		return "Error: " + err.Error(), nil
	}
	return fmt.Sprintf("Result: %s = %s", expression, formatNumber(val)), nil
}

// formatNumber prints integral values without an exponent.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && !math.IsInf(v, 0) && math.Abs(v) < 1e21 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Evaluate parses and evaluates an arithmetic expression.
func Evaluate(expression string) (float64, error) {
	toks, err := lex(expression)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	p := &calcParser{toks: toks}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return 0, fmt.Errorf("invalid expression: unexpected %q", tok.text)
	}
	return v, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokName
	tokOp
)

type calcToken struct {
	kind tokKind
	text string
	num  float64
}

// Longest operators first.
var calcOperators = []string{"**", "//", "+", "-", "*", "/", "%", "(", ")", ",", "."}

func lex(s string) ([]calcToken, error) {
	var toks []calcToken
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(s) && isDigit(s[i+1])):
			j := i
			for j < len(s) && (isDigit(s[j]) || s[j] == '.') {
				j++
			}
			if j < len(s) && (s[j] == 'e' || s[j] == 'E') {
				k := j + 1
				if k < len(s) && (s[k] == '+' || s[k] == '-') {
					k++
				}
				if k < len(s) && isDigit(s[k]) {
					for j = k; j < len(s) && isDigit(s[j]); j++ {
					}
				}
			}
			v, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", s[i:j])
			}
			toks = append(toks, calcToken{kind: tokNum, text: s[i:j], num: v})
			i = j
		case isNameStart(c):
			j := i
			for j < len(s) && (isNameStart(s[j]) || isDigit(s[j])) {
				j++
			}
			toks = append(toks, calcToken{kind: tokName, text: s[i:j]})
			i = j
		default:
			op := ""
			for _, candidate := range calcOperators {
				if strings.HasPrefix(s[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("unexpected character %q", c)
			}
			toks = append(toks, calcToken{kind: tokOp, text: op})
			i += len(op)
		}
	}
	return append(toks, calcToken{kind: tokEOF, text: "end of expression"}), nil
}

func isDigit(c byte) bool     { return c >= '0' && c <= '9' }
func isNameStart(c byte) bool { return c == '_' || (c|0x20 >= 'a' && c|0x20 <= 'z') }

// calcParser is a recursive descent parser over Python's arithmetic grammar:
//
//	expr   = term {("+" | "-") term}
//	term   = factor {("*" | "/" | "//" | "%") factor}
//	factor = ("+" | "-") factor | power
//	power  = atom ["**" factor]
type calcParser struct {
	toks []calcToken
	pos  int
}

func (p *calcParser) peek() calcToken { return p.toks[p.pos] }

func (p *calcParser) next() calcToken {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *calcParser) accept(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *calcParser) expect(op string) error {
	if _, ok := p.accept(op); !ok {
		return fmt.Errorf("invalid expression: expected %q, got %q", op, p.peek().text)
	}
	return nil
}

func (p *calcParser) expr() (float64, error) {
	x, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.accept("+", "-")
		if !ok {
			return x, nil
		}
		y, err := p.term()
		if err != nil {
			return 0, err
		}
		if x, err = binary(op, x, y); err != nil {
			return 0, err
		}
	}
}

func (p *calcParser) term() (float64, error) {
	x, err := p.factor()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.accept("*", "/", "//", "%")
		if !ok {
			return x, nil
		}
		y, err := p.factor()
		if err != nil {
			return 0, err
		}
		if x, err = binary(op, x, y); err != nil {
			return 0, err
		}
	}
}

func (p *calcParser) factor() (float64, error) {
	if op, ok := p.accept("+", "-"); ok {
		x, err := p.factor()
		if err != nil {
			return 0, err
		}
		if op == "-" {
			return -x, nil
		}
		return x, nil
	}
	return p.power()
}

func (p *calcParser) power() (float64, error) {
	x, err := p.atom()
	if err != nil {
		return 0, err
	}
	if _, ok := p.accept("**"); !ok {
		return x, nil
	}
	y, err := p.factor()
	if err != nil {
		return 0, err
	}
	return binary("**", x, y)
}

func (p *calcParser) atom() (float64, error) {
	tok := p.next()
	switch tok.kind {
	case tokNum:
		return tok.num, nil
	case tokName:
		if _, ok := p.accept("."); ok {
			return 0, errors.New("attribute access is not allowed")
		}
		if _, ok := p.accept("("); ok {
			return p.call(tok.text)
		}
		if v, ok := calcConstants[tok.text]; ok {
			return v, nil
		}
		return 0, unknownNameError{name: tok.text}
	case tokOp:
		if tok.text == "(" {
			x, err := p.expr()
			if err != nil {
				return 0, err
			}
			return x, p.expect(")")
		}
	}
	return 0, fmt.Errorf("invalid expression: unexpected %q", tok.text)
}

// call parses the argument list after "name(".
func (p *calcParser) call(name string) (float64, error) {
	fn, ok := calcFunctions[name]
	if !ok {
		return 0, unknownNameError{name: name}
	}
	var args []float64
	if _, ok := p.accept(")"); !ok {
		for {
			v, err := p.expr()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if _, ok := p.accept(","); !ok {
				break
			}
		}
		if err := p.expect(")"); err != nil {
			return 0, err
		}
	}
	return fn(args)
}

func binary(op string, x, y float64) (float64, error) {
	switch op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "**":
		return math.Pow(x, y), nil
	case "/", "//", "%":
		if y == 0 {
			return 0, errDivisionByZero
		}
	}
	switch op {
	case "/":
		return x / y, nil
	case "//":
		return math.Floor(x / y), nil
	case "%":
		// Result takes the sign of the divisor.
		r := math.Mod(x, y)
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
		return r, nil
	}
	return 0, fmt.Errorf("unsupported operator %s", op)
}
