// Package datalog implements the bounded fact/rule evaluator used to
// authorize capability tokens.
//
// An Authorizer collects ground facts, rules, checks and policies, derives
// new facts until a fixpoint is reached, and then decides. Evaluation is a
// pure function of the loaded world: facts are visited in load order, so the
// same inputs always produce the same outcome and the same query results.
// Every evaluation runs under Limits; exceeding any of them aborts with an
// error and no partial result.
package datalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Limits bounds one evaluation.
type Limits struct {
	MaxFacts      int
	MaxIterations int
	MaxTime       time.Duration
}

// DefaultLimits are applied to any zero field of the configured limits.
var DefaultLimits = Limits{
	MaxFacts:      1000,
	MaxIterations: 100,
	MaxTime:       5 * time.Millisecond,
}

// deadline is re-read every deadlineStride join steps.
const deadlineStride = 64

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithLimits overrides evaluation limits.
func WithLimits(l Limits) Option {
	return func(a *Authorizer) {
		if l.MaxFacts > 0 {
			a.limits.MaxFacts = l.MaxFacts
		}
		if l.MaxIterations > 0 {
			a.limits.MaxIterations = l.MaxIterations
		}
		if l.MaxTime > 0 {
			a.limits.MaxTime = l.MaxTime
		}
	}
}

// WithClock overrides the time source used for the evaluation budget.
func WithClock(fn func() time.Time) Option {
	return func(a *Authorizer) {
		if fn != nil {
			a.now = fn
		}
	}
}

// Authorizer is a single-use evaluation world. It is not safe for concurrent use.
type Authorizer struct {
	limits   Limits
	now      func() time.Time
	facts    factSet
	rules    []Rule
	checks   []Check
	policies []Policy

	evaluated bool
	deadline  time.Time
	steps     int
}

// NewAuthorizer returns an empty world.
func NewAuthorizer(opts ...Option) *Authorizer {
	a := &Authorizer{
		limits: DefaultLimits,
		now:    time.Now,
		facts:  newFactSet(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddFact loads a ground fact.
func (a *Authorizer) AddFact(f Fact) error {
	if !f.ground() {
		return fmt.Errorf("%w: %s", ErrInvalidFact, f)
	}
	a.facts.add(f)
	a.evaluated = false
	return nil
}

// AddRule loads a derivation rule.
func (a *Authorizer) AddRule(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	a.rules = append(a.rules, r)
	a.evaluated = false
	return nil
}

// AddCheck loads a check.
func (a *Authorizer) AddCheck(c Check) error {
	for _, q := range c.Queries {
		if err := q.validate(); err != nil {
			return err
		}
	}
	a.checks = append(a.checks, c)
	return nil
}

// AddPolicy appends a policy; order matters.
func (a *Authorizer) AddPolicy(p Policy) error {
	for _, q := range p.Queries {
		if err := q.validate(); err != nil {
			return err
		}
	}
	a.policies = append(a.policies, p)
	return nil
}

// Authorize evaluates the world. It returns nil when every check holds and
// the first matching policy allows. Policy outcomes are reported as
// *RejectionError; exhausted limits as ErrTimeout, ErrTooManyFacts or
// ErrTooManyIterations.
func (a *Authorizer) Authorize() error {
	a.start()
	if err := a.fixpoint(); err != nil {
		return err
	}

	var failed []string
	for _, c := range a.checks {
		ok, err := a.any(c.Queries)
		if err != nil {
			return err
		}
		if !ok {
			failed = append(failed, c.String())
		}
	}

	for _, p := range a.policies {
		ok, err := a.any(p.Queries)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if p.Kind == Deny {
			return &RejectionError{FailedChecks: failed, Policy: p.String(), reason: ErrDenied}
		}
		if len(failed) > 0 {
			return &RejectionError{FailedChecks: failed, reason: ErrCheckFailed}
		}
		return nil
	}
	if len(failed) > 0 {
		return &RejectionError{FailedChecks: failed, reason: ErrCheckFailed}
	}
	return &RejectionError{reason: ErrNoMatchingPolicy}
}

// Query returns every distinct head fact the rule derives from the world,
// in derivation order. Queries after Authorize share its budget, so a
// world's evaluation and its queries together stay within MaxTime.
func (a *Authorizer) Query(r Rule) ([]Fact, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if !a.evaluated {
		a.start()
	} else if a.expired() {
		return nil, ErrTimeout
	}
	if err := a.fixpoint(); err != nil {
		return nil, err
	}
	out := newFactSet()
	err := a.solve(r.Body, r.Expressions, func(b bindings) error {
		if f, ok := instantiate(r.Head, b); ok {
			out.add(f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.order, nil
}

func (a *Authorizer) start() {
	a.deadline = a.now().Add(a.limits.MaxTime)
	a.steps = 0
}

func (a *Authorizer) expired() bool {
	return a.now().After(a.deadline)
}

func (a *Authorizer) tick() error {
	a.steps++
	if a.steps%deadlineStride == 0 && a.expired() {
		return ErrTimeout
	}
	return nil
}

func (a *Authorizer) fixpoint() error {
	if a.facts.len() > a.limits.MaxFacts {
		return ErrTooManyFacts
	}
	if a.evaluated {
		return nil
	}
	for iteration := 0; ; iteration++ {
		if iteration >= a.limits.MaxIterations {
			return ErrTooManyIterations
		}
		if a.expired() {
			return ErrTimeout
		}
		var fresh []Fact
		for _, r := range a.rules {
			head := r.Head
			err := a.solve(r.Body, r.Expressions, func(b bindings) error {
				if f, ok := instantiate(head, b); ok && !a.facts.has(f) {
					fresh = append(fresh, f)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		added := 0
		for _, f := range fresh {
			if !a.facts.add(f) {
				continue
			}
			added++
			if a.facts.len() > a.limits.MaxFacts {
				return ErrTooManyFacts
			}
		}
		if added == 0 {
			a.evaluated = true
			return nil
		}
	}
}

// any reports whether at least one query has a solution.
func (a *Authorizer) any(queries []Rule) (bool, error) {
	for _, q := range queries {
		found := false
		err := a.solve(q.Body, q.Expressions, func(bindings) error {
			found = true
			return errStop
		})
		if err != nil && !errors.Is(err, errStop) {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// errStop ends a search early once a solution is enough.
var errStop = errors.New("datalog: stop")

func (a *Authorizer) solve(body []Predicate, exprs []Expression, emit func(bindings) error) error {
	return a.match(body, bindings{}, exprs, emit)
}

func (a *Authorizer) match(body []Predicate, b bindings, exprs []Expression, emit func(bindings) error) error {
	if err := a.tick(); err != nil {
		return err
	}
	if len(body) == 0 {
		for _, e := range exprs {
			if !e.eval(b) {
				return nil
			}
		}
		return emit(b)
	}
	pattern := body[0]
	for _, f := range a.facts.named(pattern.Name) {
		next, ok := unify(pattern, f, b)
		if !ok {
			continue
		}
		if err := a.match(body[1:], next, exprs, emit); err != nil {
			return err
		}
	}
	return nil
}

// String renders the loaded world for trace logging.
func (a *Authorizer) String() string {
	var sb strings.Builder
	sb.WriteString("World {\n  facts: [\n")
	for _, f := range a.facts.order {
		sb.WriteString("    " + f.String() + "\n")
	}
	sb.WriteString("  ]\n  rules: [\n")
	for _, r := range a.rules {
		sb.WriteString("    " + r.String() + "\n")
	}
	sb.WriteString("  ]\n  checks: [\n")
	for _, c := range a.checks {
		sb.WriteString("    " + c.String() + "\n")
	}
	sb.WriteString("  ]\n  policies: [\n")
	for _, p := range a.policies {
		sb.WriteString("    " + p.String() + "\n")
	}
	sb.WriteString("  ]\n}")
	return sb.String()
}

type factSet struct {
	seen   map[string]struct{}
	byName map[string][]Fact
	order  []Fact
}

func newFactSet() factSet {
	return factSet{
		seen:   make(map[string]struct{}),
		byName: make(map[string][]Fact),
	}
}

func (s *factSet) add(f Fact) bool {
	k := f.key()
	if _, ok := s.seen[k]; ok {
		return false
	}
	s.seen[k] = struct{}{}
	s.byName[f.Name] = append(s.byName[f.Name], f)
	s.order = append(s.order, f)
	return true
}

func (s *factSet) has(f Fact) bool {
	_, ok := s.seen[f.key()]
	return ok
}

func (s *factSet) named(name string) []Fact { return s.byName[name] }

func (s *factSet) len() int { return len(s.order) }
