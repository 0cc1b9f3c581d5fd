package policy

import (
	"context"

	_ "embed"

	"github.com/open-policy-agent/opa/rego"
)

// Authorizer decides whether a queue policy lets a topic deliver to the queue.
type Authorizer interface {
	Authorized(ctx context.Context, doc *Document, topicARN string) (bool, error)
}

//go:embed queue.rego
var module string

type regoAuthorizer struct {
	query *rego.PreparedEvalQuery
}

func NewRegoAuthorizer(ctx context.Context) (Authorizer, error) {
	query, err := rego.New(
		rego.Module("queue.rego", module),
		rego.Query("data.notification.queue.authorized"),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return &regoAuthorizer{
		&query,
	}, nil
}

func (a *regoAuthorizer) Authorized(ctx context.Context, doc *Document, topicARN string) (bool, error) {
	value, err := doc.Value()
	if err != nil {
		return false, err
	}

	input := map[string]any{
		"policy": value,
		"topic":  topicARN,
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}

	return results.Allowed(), nil
}
