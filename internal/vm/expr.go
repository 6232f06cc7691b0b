package vm

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"stackvm/internal/verrors"
)

// The assign evaluator accepts pure arithmetic over numbers with + - * / % **
// and unary +/-. `/` is floating-point division, `%` follows the sign of the
// dividend, `**` is right-associative exponentiation.

type number struct {
	isInt bool
	i     int64
	f     float64
}

func intNum(i int64) number { return number{isInt: true, i: i} }
func floatNum(f float64) number { return number{f: f} }

func (n number) float() float64 {
	if n.isInt {
		return float64(n.i)
	}
	return n.f
}

func (n number) value() Value {
	if n.isInt {
		return Int(n.i)
	}
	return Float(n.f)
}

type exprToken struct {
	kind string // "num", "op", "lparen", "rparen", "eof"
	op   string
	num  number
}

type exprLexer struct {
	input  string
	pos    int
	tokens []exprToken
}

func lexExpr(input string) ([]exprToken, error) {
	l := &exprLexer{input: input}
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			l.pos++
		case ch >= '0' && ch <= '9' || ch == '.':
			if err := l.lexNumber(); err != nil {
				return nil, err
			}
		case ch == '*':
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '*' {
				l.tokens = append(l.tokens, exprToken{kind: "op", op: "**"})
				l.pos += 2
			} else {
				l.tokens = append(l.tokens, exprToken{kind: "op", op: "*"})
				l.pos++
			}
		case ch == '+' || ch == '-' || ch == '/' || ch == '%':
			l.tokens = append(l.tokens, exprToken{kind: "op", op: string(ch)})
			l.pos++
		case ch == '(':
			l.tokens = append(l.tokens, exprToken{kind: "lparen"})
			l.pos++
		case ch == ')':
			l.tokens = append(l.tokens, exprToken{kind: "rparen"})
			l.pos++
		default:
			return nil, fmt.Errorf("unexpected character %q", rune(ch))
		}
	}
	l.tokens = append(l.tokens, exprToken{kind: "eof"})
	return l.tokens, nil
}

func (l *exprLexer) lexNumber() error {
	start := l.pos
	seenDot := false
	seenExp := false
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch >= '0' && ch <= '9':
			l.pos++
		case ch == '.' && !seenDot && !seenExp:
			seenDot = true
			l.pos++
		case (ch == 'e' || ch == 'E') && !seenExp && l.pos > start:
			seenExp = true
			l.pos++
			if l.pos < len(l.input) && (l.input[l.pos] == '+' || l.input[l.pos] == '-') {
				l.pos++
			}
		default:
			goto done
		}
	}
done:
	text := l.input[start:l.pos]
	if text == "." {
		return fmt.Errorf("invalid number %q", text)
	}
	if !seenDot && !seenExp {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			l.tokens = append(l.tokens, exprToken{kind: "num", num: intNum(i)})
			return nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", text)
	}
	l.tokens = append(l.tokens, exprToken{kind: "num", num: floatNum(f)})
	return nil
}

// evalError marks runtime arithmetic failures (division by zero, overflow to
// non-finite) as opposed to structural parse failures.
type evalError struct{ msg string }

func (e *evalError) Error() string { return e.msg }

type exprParser struct {
	tokens []exprToken
	pos    int
	// validateOnly checks structure without computing, so a probe expression
	// with placeholder operands cannot raise spurious division-by-zero.
	validateOnly bool
}

func (p *exprParser) peek() exprToken { return p.tokens[p.pos] }
func (p *exprParser) next() exprToken {
	tok := p.tokens[p.pos]
	if tok.kind != "eof" {
		p.pos++
	}
	return tok
}

// Binding powers. Unary +/- sit between multiplicative operators and **, so
// -2**2 evaluates as -(2**2) while 2*-3 still parses.
func leftBindingPower(op string) int {
	switch op {
	case "+", "-":
		return 10
	case "*", "/", "%":
		return 20
	case "**":
		return 40
	}
	return 0
}

const unaryBindingPower = 30

func (p *exprParser) parseExpr(minBP int) (number, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return number{}, err
	}
	for {
		tok := p.peek()
		if tok.kind != "op" {
			break
		}
		lbp := leftBindingPower(tok.op)
		if lbp <= minBP {
			break
		}
		p.next()
		// ** is right-associative: recurse with a binding power just below
		// its own so an equal-precedence operator on the right binds first.
		nextMin := lbp
		if tok.op == "**" {
			nextMin = lbp - 1
		}
		right, err := p.parseExpr(nextMin)
		if err != nil {
			return number{}, err
		}
		if p.validateOnly {
			continue
		}
		left, err = applyBinary(tok.op, left, right)
		if err != nil {
			return number{}, err
		}
	}
	return left, nil
}

func (p *exprParser) parsePrefix() (number, error) {
	tok := p.next()
	switch tok.kind {
	case "num":
		return tok.num, nil
	case "op":
		if tok.op == "+" || tok.op == "-" {
			operand, err := p.parseExpr(unaryBindingPower)
			if err != nil {
				return number{}, err
			}
			if tok.op == "-" {
				if operand.isInt {
					return intNum(-operand.i), nil
				}
				return floatNum(-operand.f), nil
			}
			return operand, nil
		}
		return number{}, fmt.Errorf("unexpected operator %q", tok.op)
	case "lparen":
		inner, err := p.parseExpr(0)
		if err != nil {
			return number{}, err
		}
		if p.next().kind != "rparen" {
			return number{}, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	default:
		return number{}, fmt.Errorf("unexpected end of expression")
	}
}

func applyBinary(op string, left, right number) (number, error) {
	switch op {
	case "+":
		if left.isInt && right.isInt {
			return intNum(left.i + right.i), nil
		}
		return floatNum(left.float() + right.float()), nil
	case "-":
		if left.isInt && right.isInt {
			return intNum(left.i - right.i), nil
		}
		return floatNum(left.float() - right.float()), nil
	case "*":
		if left.isInt && right.isInt {
			return intNum(left.i * right.i), nil
		}
		return floatNum(left.float() * right.float()), nil
	case "/":
		if right.float() == 0 {
			return number{}, &evalError{msg: "division by zero"}
		}
		return floatNum(left.float() / right.float()), nil
	case "%":
		if left.isInt && right.isInt {
			if right.i == 0 {
				return number{}, &evalError{msg: "modulo by zero"}
			}
			return intNum(left.i % right.i), nil
		}
		if right.float() == 0 {
			return number{}, &evalError{msg: "modulo by zero"}
		}
		// math.Mod keeps the sign of the dividend.
		return floatNum(math.Mod(left.float(), right.float())), nil
	case "**":
		if left.isInt && right.isInt && right.i >= 0 {
			return intPow(left.i, right.i)
		}
		if left.float() == 0 && right.float() < 0 {
			return number{}, &evalError{msg: "zero raised to a negative power"}
		}
		result := math.Pow(left.float(), right.float())
		if math.IsNaN(result) || math.IsInf(result, 0) {
			return number{}, &evalError{msg: "exponentiation result is not a finite number"}
		}
		return floatNum(result), nil
	}
	return number{}, fmt.Errorf("unknown operator %q", op)
}

func intPow(base, exp int64) (number, error) {
	// Bases that cannot grow are answered directly so a huge exponent does
	// not spin the loop below.
	switch base {
	case 0:
		if exp == 0 {
			return intNum(1), nil
		}
		return intNum(0), nil
	case 1:
		return intNum(1), nil
	case -1:
		if exp%2 == 0 {
			return intNum(1), nil
		}
		return intNum(-1), nil
	}
	// |base| >= 2 overflows int64 well before 63 multiplications.
	if exp > 62 {
		return number{}, &evalError{msg: "integer exponentiation overflow"}
	}
	result := int64(1)
	for n := int64(0); n < exp; n++ {
		next := result * base
		if next/base != result {
			return number{}, &evalError{msg: "integer exponentiation overflow"}
		}
		result = next
	}
	return intNum(result), nil
}

// isArithmeticExpr reports whether text is structurally a pure arithmetic
// expression, without computing it.
func isArithmeticExpr(text string) bool {
	if !looksArithmetic(text) {
		return false
	}
	tokens, err := lexExpr(text)
	if err != nil {
		return false
	}
	p := &exprParser{tokens: tokens, validateOnly: true}
	if _, err := p.parseExpr(0); err != nil {
		return false
	}
	return p.peek().kind == "eof"
}

// evalArithmetic parses and evaluates text as a pure arithmetic expression.
// The boolean result distinguishes "not arithmetic at all" (false) from
// "arithmetic but failed to evaluate" (true with error), so callers can fall
// back to string semantics only in the former case.
func evalArithmetic(text string) (Value, bool, error) {
	if !isArithmeticExpr(text) {
		return Value{}, false, nil
	}
	tokens, err := lexExpr(text)
	if err != nil {
		return Value{}, false, nil
	}
	p := &exprParser{tokens: tokens}
	result, err := p.parseExpr(0)
	if err != nil {
		var runtime *evalError
		if errors.As(err, &runtime) {
			return Value{}, true, verrors.New(verrors.KindToolFailed, "arithmetic evaluation failed: %s", runtime.msg)
		}
		return Value{}, false, nil
	}
	return result.value(), true, nil
}

// looksArithmetic is a fast pre-filter: only digits, operators, parens, dots
// and whitespace, with at least one operator and one digit.
func looksArithmetic(text string) bool {
	hasOperator := false
	hasDigit := false
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune("+-*/%()", r):
			hasOperator = true
		case r == '.' || r == 'e' || r == 'E' || unicode.IsSpace(r):
		default:
			return false
		}
	}
	return hasOperator && hasDigit
}
