package formula

import (
	"fmt"
	"strconv"

	"github.com/pivora/pivora/pkg/types"
)

// Operator precedence levels.
const (
	precLowest = iota
	precAdd    // + -
	precMul    // * /
	precUnary  // unary -
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("formula: parse error at position %d: %s (got %q)", e.Position, e.Message, e.Token.Literal)
}

// Parser parses formula source into an expression tree.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a complete formula and returns its expression tree. Trailing
// input after the expression is an error.
func Parse(input string) (Expr, error) {
	p := NewParser(input)
	expr, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenEOF) {
		return nil, &ParseError{
			Message:  "unexpected trailing input",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	return expr, nil
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) getPrecedence() int {
	switch p.curToken.Type {
	case TokenPlus, TokenMinus:
		return precAdd
	case TokenStar, TokenSlash:
		return precMul
	default:
		return precLowest
	}
}

// parseExpression parses an expression with operator precedence.
func (p *Parser) parseExpression(precedence int) (Expr, error) {
	left, err := p.parsePrefixExpression()
	if err != nil {
		return nil, err
	}

	for !p.curTokenIs(TokenEOF) && precedence < p.getPrecedence() {
		left, err = p.parseInfixExpression(left)
		if err != nil {
			return nil, err
		}
	}

	return left, nil
}

// parsePrefixExpression parses a prefix expression.
func (p *Parser) parsePrefixExpression() (Expr, error) {
	switch p.curToken.Type {
	case TokenRef:
		ref := &Ref{Metric: types.MetricID(p.curToken.Literal)}
		p.nextToken()
		return ref, nil
	case TokenNumber:
		return p.parseNumber()
	case TokenLParen:
		return p.parseGroupedExpression()
	case TokenMinus:
		return p.parseUnaryMinus()
	default:
		return nil, &ParseError{
			Message:  "unexpected token in expression",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
}

// parseNumber parses a numeric literal.
func (p *Parser) parseNumber() (Expr, error) {
	value, err := strconv.ParseFloat(p.curToken.Literal, 64)
	if err != nil {
		return nil, &ParseError{
			Message:  "invalid number",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()
	return &Literal{Value: value}, nil
}

// parseGroupedExpression parses a parenthesized expression.
func (p *Parser) parseGroupedExpression() (Expr, error) {
	p.nextToken() // Skip (

	expr, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, &ParseError{
			Message:  "expected )",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken() // Skip )
	return expr, nil
}

// parseUnaryMinus parses a unary minus as a subtraction from zero.
func (p *Parser) parseUnaryMinus() (Expr, error) {
	p.nextToken() // Skip -

	operand, err := p.parsePrefixExpression()
	if err != nil {
		return nil, err
	}

	return &BinaryOp{Op: OpSub, Left: &Literal{Value: 0}, Right: operand}, nil
}

// parseInfixExpression parses a binary expression.
func (p *Parser) parseInfixExpression(left Expr) (Expr, error) {
	var op Operator
	switch p.curToken.Type {
	case TokenPlus:
		op = OpAdd
	case TokenMinus:
		op = OpSub
	case TokenStar:
		op = OpMul
	case TokenSlash:
		op = OpDiv
	default:
		return left, nil
	}

	precedence := p.getPrecedence()
	p.nextToken()

	right, err := p.parseExpression(precedence)
	if err != nil {
		return nil, err
	}

	return &BinaryOp{Op: op, Left: left, Right: right}, nil
}
