// Package policy evaluates boolean attribute expressions and gates protected
// resource actions on the verified credential attributes of a channel's
// remote identity.
package policy

// Expr is a node of a parsed policy expression tree. Evaluation is pure and
// total over any attribute mapping: a missing attribute makes a comparison
// false, never an error.
type Expr interface {
	Eval(attrs map[string]string) bool
}

// Eq compares one attribute against a literal value.
type Eq struct {
	Attribute string
	Value     string
}

func (e Eq) Eval(attrs map[string]string) bool {
	v, ok := attrs[e.Attribute]
	return ok && v == e.Value
}

type And struct {
	Left, Right Expr
}

func (a And) Eval(attrs map[string]string) bool {
	return a.Left.Eval(attrs) && a.Right.Eval(attrs)
}

type Or struct {
	Left, Right Expr
}

func (o Or) Eval(attrs map[string]string) bool {
	return o.Left.Eval(attrs) || o.Right.Eval(attrs)
}

type Not struct {
	Inner Expr
}

func (n Not) Eval(attrs map[string]string) bool {
	return !n.Inner.Eval(attrs)
}

// True always allows; useful as an explicit opt-out on unprotected inlets.
type True struct{}

func (True) Eval(map[string]string) bool { return true }

// Evaluate applies the expression to the attribute set.
func Evaluate(expr Expr, attrs map[string]string) bool {
	if expr == nil {
		return false
	}
	return expr.Eval(attrs)
}

// AllOf builds the conjunction of required attribute equalities; the common
// shape produced by node configuration.
func AllOf(required map[string]string) Expr {
	var expr Expr
	for k, v := range required {
		eq := Eq{Attribute: k, Value: v}
		if expr == nil {
			expr = eq
		} else {
			expr = And{Left: expr, Right: eq}
		}
	}
	if expr == nil {
		return True{}
	}
	return expr
}
