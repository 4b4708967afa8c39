// Package filter compiles stored record predicates.
//
// Predicates are expr-lang boolean expressions over a record's fields, e.g.
//
//	country == "BE" && age >= 18 && email endsWith "@example.com"
//
// Besides the record fields, expressions can use:
//
//	now()       current time of the evaluation context
//	today       current date at midnight
//	user        map with id, name and company_id of the acting principal
//	ref("x")    named reference lookup
//
// plus expr's builtins such as date() and duration(). These names are
// reserved and shadow record fields of the same name.
package filter

import (
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/petrijr/stepflow/pkg/api"
)

// Predicate is a compiled boolean expression. The zero value and nil both
// match every record.
type Predicate struct {
	source  string
	program *vm.Program
	node    ast.Node

	// all is set on conjunctions built by And.
	all []*Predicate
}

// Ensure Predicate implements api.Criteria.
var _ api.Criteria = (*Predicate)(nil)

// Compile parses and type-checks src. An empty source matches everything.
// Malformed or non-boolean expressions yield a configuration error.
func Compile(src string) (*Predicate, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Predicate{}, nil
	}

	tree, err := parser.Parse(src)
	if err != nil {
		return nil, api.ConfigurationError("malformed predicate", err, map[string]any{"domain": src})
	}

	program, err := expr.Compile(src,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
		expr.DisableBuiltin("now"),
	)
	if err != nil {
		return nil, api.ConfigurationError("predicate is not a boolean expression", err, map[string]any{"domain": src})
	}

	return &Predicate{source: src, program: program, node: tree.Node}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level fixtures.
func MustCompile(src string) *Predicate {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// And returns the conjunction of the given predicates. Nil and match-all
// predicates are skipped.
func And(preds ...*Predicate) *Predicate {
	parts := make([]*Predicate, 0, len(preds))
	for _, p := range preds {
		if p == nil || p.MatchAll() {
			continue
		}
		if len(p.all) > 0 {
			parts = append(parts, p.all...)
			continue
		}
		parts = append(parts, p)
	}
	switch len(parts) {
	case 0:
		return &Predicate{}
	case 1:
		return parts[0]
	}

	srcs := make([]string, len(parts))
	for i, p := range parts {
		srcs[i] = "(" + p.source + ")"
	}
	return &Predicate{source: strings.Join(srcs, " && "), all: parts}
}

// Source returns the expression text.
func (p *Predicate) Source() string {
	if p == nil {
		return ""
	}
	return p.source
}

// MatchAll reports whether the predicate accepts every record.
func (p *Predicate) MatchAll() bool {
	return p == nil || (p.program == nil && len(p.all) == 0)
}

// Match evaluates the predicate against one record.
func (p *Predicate) Match(rec api.Record, env api.EvalEnv) (bool, error) {
	if p.MatchAll() {
		return true, nil
	}
	if len(p.all) > 0 {
		vars := Environment(rec, env)
		for _, part := range p.all {
			ok, err := part.run(vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	return p.run(Environment(rec, env))
}

func (p *Predicate) run(vars map[string]any) (bool, error) {
	out, err := expr.Run(p.program, vars)
	if err != nil {
		return false, api.ConfigurationError("predicate evaluation failed", err, map[string]any{"domain": p.source})
	}
	b, ok := out.(bool)
	if !ok {
		return false, api.ConfigurationError("predicate did not return a boolean", nil, map[string]any{"domain": p.source})
	}
	return b, nil
}

// Environment builds the expression variables for rec.
func Environment(rec api.Record, env api.EvalEnv) map[string]any {
	now := env.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	vars := make(map[string]any, len(rec)+4)
	for k, v := range rec {
		vars[k] = v
	}
	vars["now"] = func() time.Time { return now }
	vars["today"] = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	vars["user"] = map[string]any{
		"id":         env.User.ID,
		"name":       env.User.Name,
		"company_id": env.User.CompanyID,
	}
	vars["ref"] = func(name string) any {
		if env.Ref == nil {
			return nil
		}
		v, _ := env.Ref(name)
		return v
	}
	return vars
}
