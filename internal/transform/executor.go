package transform

import (
	"fmt"
	"time"

	"github.com/folddb/folddb/internal/atom"
	"github.com/folddb/folddb/internal/ferrors"
	"github.com/folddb/folddb/internal/field"
	"github.com/folddb/folddb/internal/log"
	"github.com/folddb/folddb/internal/metrics"
	"github.com/folddb/folddb/internal/types"
	"github.com/rs/zerolog"
)

// ExecutionContext carries the authorization facts the executor enforces
// against a transform declaration's trust and payment clauses.
type ExecutionContext struct {
	RequesterPubKey string
	TrustDistance   uint32
	Paid            bool
}

// Executor evaluates registered transforms against live field values.
type Executor struct {
	atoms    *atom.Layer
	fields   *field.Manager
	registry *Registry
	logger   zerolog.Logger
}

// NewExecutor creates an Executor wired to the given atom layer, field
// manager, and registry.
func NewExecutor(atoms *atom.Layer, fields *field.Manager, registry *Registry) *Executor {
	return &Executor{
		atoms:    atoms,
		fields:   fields,
		registry: registry,
		logger:   log.WithComponent("transform-executor"),
	}
}

// Execute runs one transform to completion: it fetches every input's
// current value, enforces the declaration's trust and payment
// requirements, evaluates the AST, and writes the result to the output
// field as a Single write attributed to "transform:<transform_id>". It
// returns the new output atom's UUID.
func (e *Executor) Execute(transformID string, ctx ExecutionContext) (string, error) {
	timer := metrics.NewTimer()
	outcome := "success"
	defer func() {
		timer.ObserveDurationVec(metrics.TransformExecutionDuration, transformID)
		metrics.TransformExecutionsTotal.WithLabelValues(transformID, outcome).Inc()
	}()

	t, err := e.registry.GetTransform(transformID)
	if err != nil {
		outcome = "error"
		return "", err
	}

	if !t.Trust.Unrestricted && ctx.TrustDistance > t.Trust.MaxDistance {
		outcome = "denied"
		return "", fmt.Errorf("%w: transform %s requires trust distance <= %d, got %d",
			ferrors.ErrPermissionDenied, transformID, t.Trust.MaxDistance, ctx.TrustDistance)
	}
	if t.Payment == types.PaymentRequired && !ctx.Paid {
		outcome = "denied"
		return "", fmt.Errorf("%w: transform %s requires payment", ferrors.ErrPermissionDenied, transformID)
	}

	prog, err := Parse(t.Source)
	if err != nil {
		outcome = "error"
		return "", err
	}

	inputs, err := e.registry.InputsOf(transformID)
	if err != nil {
		outcome = "error"
		return "", err
	}

	env := make(map[string]interface{}, len(inputs)+len(prog.Lets))
	for _, in := range inputs {
		ref, err := e.atoms.GetRef(in.RefAtomUUID)
		if err != nil {
			outcome = "error"
			return "", fmt.Errorf("%w: resolving input %s.%s: %v", ferrors.ErrTransformExecFailed, in.Schema, in.Field, err)
		}
		val, err := e.fields.ReadField(in.Schema, in.Field, in.RefAtomUUID, ref.Variant, nil)
		if err != nil {
			outcome = "error"
			return "", fmt.Errorf("%w: reading input %s.%s: %v", ferrors.ErrTransformExecFailed, in.Schema, in.Field, err)
		}
		env[fieldRefKey(in.FieldRef)] = val
	}

	for _, let := range prog.Lets {
		v, err := evalNode(let.Value, env)
		if err != nil {
			outcome = "error"
			return "", err
		}
		env[let.Name] = v
	}

	result, err := evalNode(prog.Return, env)
	if err != nil {
		outcome = "error"
		return "", err
	}

	output, err := e.registry.OutputOf(transformID)
	if err != nil {
		outcome = "error"
		return "", err
	}

	atomUUID, err := e.atoms.UpdateSingleRef(output.RefAtomUUID, output.Schema, "transform:"+transformID, result)
	if err != nil {
		outcome = "error"
		return "", err
	}

	e.logger.Info().Str("transform_id", transformID).Time("executed_at", time.Now()).Msg("transform executed")
	return atomUUID, nil
}

func evalNode(n Node, env map[string]interface{}) (interface{}, error) {
	switch v := n.(type) {
	case NumberLit:
		return v.Value, nil
	case StringLit:
		return v.Value, nil
	case BoolLit:
		return v.Value, nil

	case Ident:
		val, ok := env[v.Name]
		if !ok {
			return nil, fmt.Errorf("%w: unbound identifier %q", ferrors.ErrTransformExecFailed, v.Name)
		}
		return val, nil

	case UnaryExpr:
		operand, err := evalNode(v.Operand, env)
		if err != nil {
			return nil, err
		}
		switch v.Op {
		case "-":
			f, err := asFloat(operand)
			if err != nil {
				return nil, err
			}
			return -f, nil
		case "!":
			b, err := asBool(operand)
			if err != nil {
				return nil, err
			}
			return !b, nil
		default:
			return nil, fmt.Errorf("%w: unknown unary operator %q", ferrors.ErrTransformExecFailed, v.Op)
		}

	case BinaryExpr:
		return evalBinary(v, env)

	case CondExpr:
		cond, err := evalNode(v.Cond, env)
		if err != nil {
			return nil, err
		}
		b, err := asBool(cond)
		if err != nil {
			return nil, err
		}
		if b {
			return evalNode(v.Then, env)
		}
		return evalNode(v.Else, env)

	case CallExpr:
		return evalCall(v, env)

	default:
		return nil, fmt.Errorf("%w: unknown AST node %T", ferrors.ErrTransformExecFailed, n)
	}
}

func evalBinary(b BinaryExpr, env map[string]interface{}) (interface{}, error) {
	left, err := evalNode(b.Left, env)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(b.Right, env)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case "&&":
		lb, err := asBool(left)
		if err != nil {
			return nil, err
		}
		rb, err := asBool(right)
		if err != nil {
			return nil, err
		}
		return lb && rb, nil
	case "||":
		lb, err := asBool(left)
		if err != nil {
			return nil, err
		}
		rb, err := asBool(right)
		if err != nil {
			return nil, err
		}
		return lb || rb, nil
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	}

	// Arithmetic and ordered comparison require numeric operands, except
	// that == / != (handled above) work on any matching type.
	lf, lErr := asFloat(left)
	rf, rErr := asFloat(right)
	if lErr == nil && rErr == nil {
		switch b.Op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("%w: division by zero", ferrors.ErrTransformExecFailed)
			}
			return lf / rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	if b.Op == "+" {
		ls, lok := left.(string)
		rs, rok := right.(string)
		if lok && rok {
			return ls + rs, nil
		}
	}

	return nil, fmt.Errorf("%w: operator %q not applicable to operand types", ferrors.ErrTransformExecFailed, b.Op)
}

func evalCall(c CallExpr, env map[string]interface{}) (interface{}, error) {
	args := make([]interface{}, 0, len(c.Args))
	for _, a := range c.Args {
		v, err := evalNode(a, env)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	switch c.Callee {
	case "abs":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: abs() takes exactly one argument", ferrors.ErrTransformExecFailed)
		}
		f, err := asFloat(args[0])
		if err != nil {
			return nil, err
		}
		if f < 0 {
			return -f, nil
		}
		return f, nil

	case "min", "max":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s() takes exactly two arguments", ferrors.ErrTransformExecFailed, c.Callee)
		}
		a, err := asFloat(args[0])
		if err != nil {
			return nil, err
		}
		bv, err := asFloat(args[1])
		if err != nil {
			return nil, err
		}
		if (c.Callee == "min") == (a < bv) {
			return a, nil
		}
		return bv, nil

	default:
		return nil, fmt.Errorf("%w: unknown function %q", ferrors.ErrTransformExecFailed, c.Callee)
	}
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: expected numeric value, got %T", ferrors.ErrTransformExecFailed, v)
	}
}

func asBool(v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expected boolean value, got %T", ferrors.ErrTransformExecFailed, v)
	}
	return b, nil
}

func valuesEqual(a, b interface{}) bool {
	af, aErr := asFloat(a)
	bf, bErr := asFloat(b)
	if aErr == nil && bErr == nil {
		return af == bf
	}
	return a == b
}
