package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr/ast"
)

// ErrNotPushable is returned by SQL when the expression uses constructs that
// have no SQL translation. Callers fall back to Match.
var ErrNotPushable = errors.New("filter: expression cannot be translated to SQL")

// Column maps a record field to a SQL expression. Returning false marks the
// field as unknown, which makes the predicate not pushable.
type Column func(field string) (string, bool)

// SQL translates the predicate into a parameterized WHERE fragment using ?
// placeholders. Values are never interpolated. A match-all predicate yields
// an empty fragment.
func (p *Predicate) SQL(col Column) (string, []any, error) {
	if p.MatchAll() {
		return "", nil, nil
	}
	if len(p.all) > 0 {
		var (
			clauses []string
			args    []any
		)
		for _, part := range p.all {
			where, partArgs, err := part.SQL(col)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, where)
			args = append(args, partArgs...)
		}
		return strings.Join(clauses, " AND "), args, nil
	}

	c := &sqlCompiler{col: col}
	where, err := c.compile(p.node)
	if err != nil {
		return "", nil, err
	}
	return where, c.args, nil
}

type sqlCompiler struct {
	col  Column
	args []any
}

func (c *sqlCompiler) compile(n ast.Node) (string, error) {
	switch node := n.(type) {
	case *ast.BinaryNode:
		return c.binary(node)
	case *ast.UnaryNode:
		if node.Operator != "!" && node.Operator != "not" {
			return "", ErrNotPushable
		}
		inner, err := c.compile(node.Node)
		if err != nil {
			return "", err
		}
		// A NULL operand makes inner unknown where the expression is false.
		return "NOT COALESCE(" + inner + ", 1 = 0)", nil
	case *ast.BoolNode:
		if node.Value {
			return "1 = 1", nil
		}
		return "1 = 0", nil
	default:
		return "", ErrNotPushable
	}
}

var comparisons = map[string]string{
	"==": "=",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
}

func (c *sqlCompiler) binary(node *ast.BinaryNode) (string, error) {
	switch node.Operator {
	case "&&", "and", "||", "or":
		left, err := c.compile(node.Left)
		if err != nil {
			return "", err
		}
		right, err := c.compile(node.Right)
		if err != nil {
			return "", err
		}
		op := "AND"
		if node.Operator == "||" || node.Operator == "or" {
			op = "OR"
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), nil

	case "==", "!=":
		if _, ok := node.Right.(*ast.NilNode); ok {
			return c.isNull(node.Left, node.Operator == "==")
		}
		if _, ok := node.Left.(*ast.NilNode); ok {
			return c.isNull(node.Right, node.Operator == "==")
		}
		if node.Operator == "!=" {
			return c.notEqual(node)
		}
		return c.comparison(node)

	case "<", "<=", ">", ">=":
		return c.comparison(node)

	case "in":
		return c.in(node)

	case "contains", "startsWith", "endsWith":
		return c.like(node)
	}
	return "", ErrNotPushable
}

func (c *sqlCompiler) comparison(node *ast.BinaryNode) (string, error) {
	left, err := c.operand(node.Left)
	if err != nil {
		return "", err
	}
	right, err := c.operand(node.Right)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s", left, comparisons[node.Operator], right), nil
}

// notEqual compares a field with a literal. A missing field differs from
// every literal, so NULL rows match.
func (c *sqlCompiler) notEqual(node *ast.BinaryNode) (string, error) {
	fieldNode, value := node.Left, node.Right
	if _, ok := literal(fieldNode); ok {
		fieldNode, value = value, fieldNode
	}
	field, err := c.field(fieldNode)
	if err != nil {
		return "", err
	}
	v, ok := literal(value)
	if !ok {
		return "", ErrNotPushable
	}
	c.args = append(c.args, v)
	return fmt.Sprintf("(%s <> ? OR %s IS NULL)", field, field), nil
}

func (c *sqlCompiler) isNull(n ast.Node, null bool) (string, error) {
	field, err := c.field(n)
	if err != nil {
		return "", err
	}
	if null {
		return field + " IS NULL", nil
	}
	return field + " IS NOT NULL", nil
}

func (c *sqlCompiler) in(node *ast.BinaryNode) (string, error) {
	field, err := c.field(node.Left)
	if err != nil {
		return "", err
	}
	arr, ok := node.Right.(*ast.ArrayNode)
	if !ok {
		return "", ErrNotPushable
	}
	if len(arr.Nodes) == 0 {
		return "1 = 0", nil
	}
	marks := make([]string, len(arr.Nodes))
	for i, elem := range arr.Nodes {
		v, ok := literal(elem)
		if !ok {
			return "", ErrNotPushable
		}
		c.args = append(c.args, v)
		marks[i] = "?"
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(marks, ", ")), nil
}

func (c *sqlCompiler) like(node *ast.BinaryNode) (string, error) {
	field, err := c.field(node.Left)
	if err != nil {
		return "", err
	}
	s, ok := node.Right.(*ast.StringNode)
	if !ok {
		return "", ErrNotPushable
	}
	escaped := likeEscaper.Replace(s.Value)
	var pattern string
	switch node.Operator {
	case "contains":
		pattern = "%" + escaped + "%"
	case "startsWith":
		pattern = escaped + "%"
	default:
		pattern = "%" + escaped
	}
	c.args = append(c.args, pattern)
	return field + ` LIKE ? ESCAPE '\'`, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (c *sqlCompiler) operand(n ast.Node) (string, error) {
	if v, ok := literal(n); ok {
		c.args = append(c.args, v)
		return "?", nil
	}
	return c.field(n)
}

func (c *sqlCompiler) field(n ast.Node) (string, error) {
	id, ok := n.(*ast.IdentifierNode)
	if !ok || c.col == nil {
		return "", ErrNotPushable
	}
	switch id.Value {
	case "now", "today", "user", "ref":
		return "", ErrNotPushable
	}
	expr, ok := c.col(id.Value)
	if !ok {
		return "", ErrNotPushable
	}
	return expr, nil
}

func literal(n ast.Node) (any, bool) {
	switch v := n.(type) {
	case *ast.StringNode:
		return v.Value, true
	case *ast.IntegerNode:
		return int64(v.Value), true
	case *ast.FloatNode:
		return v.Value, true
	case *ast.BoolNode:
		return v.Value, true
	case *ast.UnaryNode:
		if v.Operator != "-" {
			return nil, false
		}
		switch inner := v.Node.(type) {
		case *ast.IntegerNode:
			return -int64(inner.Value), true
		case *ast.FloatNode:
			return -inner.Value, true
		}
	}
	return nil, false
}
