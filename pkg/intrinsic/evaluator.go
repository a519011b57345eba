package intrinsic

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/pkg/contextstore"
	"github.com/loomworks/loom/pkg/credentials"
)

// RunNamespace is the reserved path head for run metadata ("run.id",
// "run.trigger.<path>"). No node may use it as an id.
const RunNamespace = "run"

// Evaluator resolves input templates against a run's context store. Resolution
// is pure: the same template against an unchanged store yields the same
// resolved input.
//
// A template string is dynamic when it parses as a path expression whose head
// is a node id of the workflow (or the run namespace) followed by at least one
// segment, or as a call to a registered intrinsic function. Everything else
// passes through as a literal.
type Evaluator struct {
	store   *contextstore.Store
	run     map[string]any
	creds   credentials.Resolver
	nodeIDs map[string]struct{}
}

func NewEvaluator(
	store *contextstore.Store,
	runContext map[string]any,
	creds credentials.Resolver,
	nodeIDs map[string]struct{},
) *Evaluator {
	return &Evaluator{
		store:   store,
		run:     runContext,
		creds:   creds,
		nodeIDs: nodeIDs,
	}
}

// ResolveInputs walks the input template, resolving every dynamic string
// value, however deeply nested. Map and list structure is preserved.
func (e *Evaluator) ResolveInputs(ctx context.Context, template map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(template))

	for key, value := range template {
		out, err := e.resolveValue(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parameter %q: %w", key, err)
		}

		resolved[key] = out
	}

	return resolved, nil
}

func (e *Evaluator) resolveValue(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.resolveString(ctx, v)
	case map[string]any:
		return e.ResolveInputs(ctx, v)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			resolved, err := e.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

// resolveString decides literal versus expression. Parse failures and
// expressions that do not reference the workflow are literals, never errors:
// user text must survive untouched.
func (e *Evaluator) resolveString(ctx context.Context, source string) (any, error) {
	expr, err := Parse(source)
	if err != nil {
		return source, nil
	}

	switch v := expr.(type) {
	case Path:
		head, segments, pathErr := contextstore.ParsePath(v.Raw)
		if pathErr != nil {
			return source, nil
		}

		// A reference names a field of an output ("nodeA.result"). A bare
		// identifier that merely equals a node id is user text.
		if len(segments) == 0 {
			return source, nil
		}

		if head != RunNamespace {
			if _, known := e.nodeIDs[head]; !known {
				return source, nil
			}
		}

		return e.resolvePath(v.Raw)
	case Call:
		if !e.knownCall(v.Name) {
			return source, nil
		}

		return e.evalCall(ctx, v)
	default:
		return source, nil
	}
}

// Evaluate parses and evaluates a single expression, without the
// literal fallback applied to template strings.
func (e *Evaluator) Evaluate(ctx context.Context, source string) (any, error) {
	expr, err := Parse(source)
	if err != nil {
		return nil, err
	}

	return e.eval(ctx, expr)
}

func (e *Evaluator) eval(ctx context.Context, expr Expr) (any, error) {
	switch v := expr.(type) {
	case Literal:
		return v.Value, nil
	case Path:
		return e.resolvePath(v.Raw)
	case Call:
		return e.evalCall(ctx, v)
	default:
		return nil, fmt.Errorf("%w: unsupported expression %T", ErrBadExpression, expr)
	}
}

func (e *Evaluator) resolvePath(raw string) (any, error) {
	head, segments, err := contextstore.ParsePath(raw)
	if err != nil {
		return nil, err
	}

	if head == RunNamespace {
		return contextstore.WalkPath(raw, any(e.run), segments)
	}

	return e.store.Resolve(raw)
}

func (e *Evaluator) knownCall(name string) bool {
	if name == "default" || name == "secret" {
		return true
	}

	_, ok := funcs[name]

	return ok
}

// evalCall dispatches an intrinsic call. "default" and "secret" are special
// forms: default suppresses unresolved-reference failures of its first
// argument, secret goes through the credential resolver.
func (e *Evaluator) evalCall(ctx context.Context, call Call) (any, error) {
	switch call.Name {
	case "default":
		return e.evalDefault(ctx, call)
	case "secret":
		return e.evalSecret(ctx, call)
	}

	fn, ok := funcs[call.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, call.Name)
	}

	if fn.arity >= 0 && len(call.Args) != fn.arity {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d",
			ErrBadExpression, call.Name, fn.arity, len(call.Args))
	}

	args := make([]any, len(call.Args))

	for i, argExpr := range call.Args {
		arg, err := e.eval(ctx, argExpr)
		if err != nil {
			return nil, err
		}

		args[i] = arg
	}

	return fn.fn(args)
}

func (e *Evaluator) evalDefault(ctx context.Context, call Call) (any, error) {
	if len(call.Args) != 2 {
		return nil, fmt.Errorf("%w: default expects 2 arguments, got %d", ErrBadExpression, len(call.Args))
	}

	value, err := e.eval(ctx, call.Args[0])

	switch {
	case err == nil && value != nil:
		return value, nil
	case err != nil && !errors.Is(err, contextstore.ErrUnresolvedReference):
		return nil, err
	}

	return e.eval(ctx, call.Args[1])
}

func (e *Evaluator) evalSecret(ctx context.Context, call Call) (any, error) {
	if len(call.Args) != 1 {
		return nil, fmt.Errorf("%w: secret expects 1 argument, got %d", ErrBadExpression, len(call.Args))
	}

	if e.creds == nil {
		return nil, fmt.Errorf("%w: no credential resolver configured", ErrFunctionFailed)
	}

	arg, err := e.eval(ctx, call.Args[0])
	if err != nil {
		return nil, err
	}

	id, ok := arg.(string)
	if !ok {
		return nil, fmt.Errorf("%w: secret id must be a string, got %T", ErrBadExpression, arg)
	}

	secret, err := e.creds.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential %q: %w", id, err)
	}

	return secret, nil
}
