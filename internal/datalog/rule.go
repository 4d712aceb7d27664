package datalog

import (
	"fmt"
	"strings"
)

// Predicate is a named tuple of terms. Used both as fact payload and as
// a pattern in rule bodies.
type Predicate struct {
	Name  string `cbor:"1,keyasint"`
	Terms []Term `cbor:"2,keyasint"`
}

// Pred builds a predicate.
func Pred(name string, terms ...Term) Predicate {
	return Predicate{Name: name, Terms: terms}
}

func (p Predicate) String() string {
	parts := make([]string, len(p.Terms))
	for i, t := range p.Terms {
		parts[i] = t.String()
	}
	return p.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (p Predicate) ground() bool {
	for _, t := range p.Terms {
		if t.IsVariable() {
			return false
		}
	}
	return true
}

func (p Predicate) key() string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	sb.WriteByte('/')
	for _, t := range p.Terms {
		t.writeKey(&sb)
	}
	return sb.String()
}

// Fact is a ground predicate.
type Fact struct {
	Predicate
}

// NewFact builds a fact from constants.
func NewFact(name string, terms ...Term) Fact {
	return Fact{Predicate: Pred(name, terms...)}
}

// Op is a comparison operator.
type Op uint8

const (
	OpLess Op = iota + 1
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
	OpEqual
	OpNotEqual
)

var opSymbols = map[Op]string{
	OpLess:           "<",
	OpLessOrEqual:    "<=",
	OpGreater:        ">",
	OpGreaterOrEqual: ">=",
	OpEqual:          "==",
	OpNotEqual:       "!=",
}

func (o Op) String() string {
	if s, ok := opSymbols[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Expression compares two terms once every variable in the rule body is bound.
type Expression struct {
	Op    Op   `cbor:"1,keyasint"`
	Left  Term `cbor:"2,keyasint"`
	Right Term `cbor:"3,keyasint"`
}

// Compare builds an expression.
func Compare(left Term, op Op, right Term) Expression {
	return Expression{Op: op, Left: left, Right: right}
}

func (e Expression) String() string {
	return e.Left.String() + " " + e.Op.String() + " " + e.Right.String()
}

func (e Expression) eval(b bindings) bool {
	l, ok := b.resolve(e.Left)
	if !ok {
		return false
	}
	r, ok := b.resolve(e.Right)
	if !ok {
		return false
	}
	switch e.Op {
	case OpEqual:
		return l.Equal(r)
	case OpNotEqual:
		return l.Kind == r.Kind && !l.Equal(r)
	}
	c, ok := compare(l, r)
	if !ok {
		return false
	}
	switch e.Op {
	case OpLess:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	default:
		return false
	}
}

// Rule derives Head for every binding satisfying Body and Expressions.
type Rule struct {
	Head        Predicate    `cbor:"1,keyasint"`
	Body        []Predicate  `cbor:"2,keyasint"`
	Expressions []Expression `cbor:"3,keyasint,omitempty"`
}

// Query builds a rule with a throwaway head, for checks and policies.
func Query(body []Predicate, exprs ...Expression) Rule {
	return Rule{Head: Pred("query"), Body: body, Expressions: exprs}
}

func (r Rule) String() string {
	return r.Head.String() + " <- " + r.bodyString()
}

func (r Rule) bodyString() string {
	parts := make([]string, 0, len(r.Body)+len(r.Expressions))
	for _, p := range r.Body {
		parts = append(parts, p.String())
	}
	for _, e := range r.Expressions {
		parts = append(parts, e.String())
	}
	if len(parts) == 0 {
		return "true"
	}
	return strings.Join(parts, ", ")
}

// validate rejects rules whose head or expressions use variables that the
// body never binds.
func (r Rule) validate() error {
	bound := make(map[string]struct{})
	for _, p := range r.Body {
		for _, t := range p.Terms {
			if t.IsVariable() {
				bound[t.Str] = struct{}{}
			}
		}
	}
	for _, t := range r.Head.Terms {
		if _, ok := bound[t.Str]; t.IsVariable() && !ok {
			return fmt.Errorf("%w: $%s in %s", ErrUnsafeRule, t.Str, r)
		}
	}
	for _, e := range r.Expressions {
		for _, t := range []Term{e.Left, e.Right} {
			if _, ok := bound[t.Str]; t.IsVariable() && !ok {
				return fmt.Errorf("%w: $%s in %s", ErrUnsafeRule, t.Str, r)
			}
		}
	}
	return nil
}

// Check holds if any of its queries has at least one solution.
type Check struct {
	Queries []Rule `cbor:"1,keyasint"`
}

func (c Check) String() string {
	parts := make([]string, len(c.Queries))
	for i, q := range c.Queries {
		parts[i] = q.bodyString()
	}
	return "check if " + strings.Join(parts, " or ")
}

// PolicyKind says what happens when a policy matches.
type PolicyKind uint8

const (
	Allow PolicyKind = iota + 1
	Deny
)

// Policy is tried in order after checks. The first policy with a matching
// query decides the outcome.
type Policy struct {
	Kind    PolicyKind
	Queries []Rule
}

// AllowAll matches every world.
var AllowAll = Policy{Kind: Allow, Queries: []Rule{Query(nil)}}

func (p Policy) String() string {
	verb := "allow if "
	if p.Kind == Deny {
		verb = "deny if "
	}
	parts := make([]string, len(p.Queries))
	for i, q := range p.Queries {
		parts[i] = q.bodyString()
	}
	return verb + strings.Join(parts, " or ")
}

type bindings map[string]Term

func (b bindings) resolve(t Term) (Term, bool) {
	if !t.IsVariable() {
		return t, true
	}
	v, ok := b[t.Str]
	return v, ok
}

// unify matches pattern p against fact f under b. It returns the extended
// bindings without mutating b.
func unify(p Predicate, f Fact, b bindings) (bindings, bool) {
	if len(p.Terms) != len(f.Terms) {
		return nil, false
	}
	var next bindings
	for i, t := range p.Terms {
		v := f.Terms[i]
		if !t.IsVariable() {
			if !t.Equal(v) {
				return nil, false
			}
			continue
		}
		if cur, ok := b[t.Str]; ok {
			if !cur.Equal(v) {
				return nil, false
			}
			continue
		}
		if cur, ok := next[t.Str]; ok {
			if !cur.Equal(v) {
				return nil, false
			}
			continue
		}
		if next == nil {
			next = make(bindings, len(b)+len(p.Terms))
			for k, val := range b {
				next[k] = val
			}
		}
		next[t.Str] = v
	}
	if next == nil {
		return b, true
	}
	return next, true
}

func instantiate(head Predicate, b bindings) (Fact, bool) {
	terms := make([]Term, len(head.Terms))
	for i, t := range head.Terms {
		v, ok := b.resolve(t)
		if !ok {
			return Fact{}, false
		}
		terms[i] = v
	}
	return NewFact(head.Name, terms...), true
}
