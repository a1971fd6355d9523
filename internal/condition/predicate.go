package condition

import (
	"fmt"
	"strconv"
)

// Document is a JSON-shaped value tree usable as a Resolver. Paths walk
// nested objects; numeric segments index into arrays.
type Document map[string]any

// Resolve walks a dot-separated path into the document.
func (d Document) Resolve(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Document:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Predicate is a compiled expression. The zero value and a nil *Predicate
// match everything.
type Predicate struct {
	src  string
	expr Expr
}

// Compile parses src once so matching does no parsing. An empty source
// yields a predicate that always matches.
func Compile(src string) (*Predicate, error) {
	if src == "" {
		return &Predicate{}, nil
	}
	expr, err := Parse(src)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return &Predicate{src: src, expr: expr}, nil
}

// MustCompile is Compile for static expressions; it panics on error.
func MustCompile(src string) *Predicate {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the expression text.
func (p *Predicate) Source() string {
	if p == nil {
		return ""
	}
	return p.src
}

// Eval evaluates the predicate and reports evaluation errors.
func (p *Predicate) Eval(r Resolver) (bool, error) {
	if p == nil || p.expr == nil {
		return true, nil
	}
	return Evaluate(p.expr, r)
}

// Match is Eval that treats evaluation errors (such as a missing field)
// as a non-match.
func (p *Predicate) Match(r Resolver) bool {
	ok, err := p.Eval(r)
	return err == nil && ok
}
