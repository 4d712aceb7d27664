package iam

import (
	"time"

	dl "tessera.dev/internal/datalog"
)

// policy is the fixed authorizer-side program for one token kind.
type policy struct {
	kind Kind
	// expiry enables the expired rule and its deny policy.
	expiry bool
	// action is set for access tokens only.
	action Action
}

func policyFor(kind Kind) policy {
	switch kind {
	case KindUserAccess, KindRefresh, KindEmailVerification, KindPasswordReset:
		return policy{kind: kind, expiry: true}
	default:
		panic("iam: no policy for token kind " + string(kind))
	}
}

func (p policy) withAction(a Action) policy {
	p.action = a
	return p
}

// withoutExpiry drops the expiry rule, for reading expired workflow tokens.
func (p policy) withoutExpiry() policy {
	p.expiry = false
	return p
}

var (
	validVersionRule = dl.Rule{
		Head: dl.Pred("valid_version"),
		Body: []dl.Predicate{
			dl.Pred("type", dl.Var("type")),
			dl.Pred("version", dl.Var("version")),
			dl.Pred("supported_version", dl.Var("type"), dl.Var("version")),
		},
	}
	validVersionCheck = dl.Check{Queries: []dl.Rule{dl.Query([]dl.Predicate{dl.Pred("valid_version")})}}

	expiredRule = dl.Rule{
		Head: dl.Pred("expired", dl.Var("time")),
		Body: []dl.Predicate{
			dl.Pred("expired_at", dl.Var("exp")),
			dl.Pred("time", dl.Var("time")),
		},
		Expressions: []dl.Expression{dl.Compare(dl.Var("exp"), dl.OpLessOrEqual, dl.Var("time"))},
	}
	expiredPolicy = dl.Policy{Kind: dl.Deny, Queries: []dl.Rule{dl.Query([]dl.Predicate{dl.Pred("expired", dl.Var("time"))})}}

	roleCheck = dl.Check{Queries: []dl.Rule{dl.Query([]dl.Predicate{
		dl.Pred("role", dl.Var("role")),
		dl.Pred("allowed_role", dl.Var("role")),
	})}}
)

// load installs the policy and its context facts into w.
func (p policy) load(w *dl.Authorizer, now time.Time) error {
	facts := []dl.Fact{
		dl.NewFact("supported_version", dl.String(string(p.kind)), dl.Integer(p.kind.Version())),
		dl.NewFact("time", dl.Date(now)),
	}
	if p.kind == KindUserAccess {
		facts = append(facts, dl.NewFact("action", dl.String(string(p.action))))
		for _, r := range p.action.AllowedRoles() {
			facts = append(facts, dl.NewFact("allowed_role", dl.String(string(r))))
		}
	}
	for _, f := range facts {
		if err := w.AddFact(f); err != nil {
			return err
		}
	}

	if err := w.AddRule(validVersionRule); err != nil {
		return err
	}
	if err := w.AddCheck(validVersionCheck); err != nil {
		return err
	}
	if p.kind == KindUserAccess {
		if err := w.AddCheck(roleCheck); err != nil {
			return err
		}
	}
	if p.expiry {
		if err := w.AddRule(expiredRule); err != nil {
			return err
		}
		if err := w.AddPolicy(expiredPolicy); err != nil {
			return err
		}
	}
	return w.AddPolicy(dl.AllowAll)
}
