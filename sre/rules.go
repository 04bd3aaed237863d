package sre

// Rule is an explicit, named validation rule.
//
// ID must be stable across versions.
// Apply must be deterministic and side-effect free.
type Rule[T any] struct {
	ID    string
	Apply func(T) error
}

func (r Rule[T]) apply(v T) error {
	if r.Apply == nil {
		return NewError(KindInternal, "SRE-INTERNAL-001", "nil rule Apply")
	}
	return r.Apply(v)
}

// ValidateRules runs rules in order, returning the first failure.
//
// Rule order is the evaluation order; keep it stable.
func ValidateRules[T any](v T, rules []Rule[T]) error {
	for _, r := range rules {
		if err := r.apply(v); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRulesAll runs all rules in order and returns every violation.
func ValidateRulesAll[T any](v T, rules []Rule[T]) []error {
	var out []error
	for _, r := range rules {
		if err := r.apply(v); err != nil {
			out = append(out, err)
		}
	}
	return out
}

func malformed(ruleID, msg string) error {
	return NewError(KindMalformed, ruleID, msg)
}
