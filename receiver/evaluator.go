package receiver

import (
	"context"
	"fmt"

	"github.com/Sarbajit-2004/llm-code-deploy/issuer"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// Verdict is an evaluator's decision about one reported result.
//
// FollowUp requests another round with the given payload. Final closes the
// task. A verdict with neither leaves the task awaiting a new result for the
// same round. Final takes precedence over FollowUp.
type Verdict struct {
	FollowUp *issuer.Payload
	Final    bool
	Details  map[string]string
}

// Evaluator judges a reported result. Its internals (checks, scoring,
// deployment probes) are outside this package.
type Evaluator interface {
	Evaluate(ctx context.Context, n *sre.Notification) (Verdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, n *sre.Notification) (Verdict, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, n *sre.Notification) (Verdict, error) {
	return f(ctx, n)
}

// FinalEvaluator closes every task on its first reported result.
var FinalEvaluator = EvaluatorFunc(func(context.Context, *sre.Notification) (Verdict, error) {
	return Verdict{Final: true}, nil
})

// RoundLimit requests follow-up rounds until round max has reported, then
// closes the task. next builds each follow-up payload; when nil the brief
// names the round being requested.
func RoundLimit(max uint64, next func(n *sre.Notification) issuer.Payload) Evaluator {
	return EvaluatorFunc(func(_ context.Context, n *sre.Notification) (Verdict, error) {
		details := map[string]string{"result_digest": n.ResultDigest}
		if n.Final || n.Round >= max {
			return Verdict{Final: true, Details: details}, nil
		}
		var p issuer.Payload
		if next != nil {
			p = next(n)
		} else {
			p.Brief = fmt.Sprintf("round %d of %d", n.Round+1, max)
		}
		return Verdict{FollowUp: &p, Details: details}, nil
	})
}
