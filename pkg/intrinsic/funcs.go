package intrinsic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrFunctionFailed wraps runtime failures inside an intrinsic function.
var ErrFunctionFailed = errors.New("intrinsic function failed")

// ErrUnknownFunction signals a call to a name that is not registered.
var ErrUnknownFunction = errors.New("unknown intrinsic function")

type intrinsicFunc struct {
	arity int // -1 is variadic
	fn    func(args []any) (any, error)
}

// The built-in transformation set. All functions are pure: the same arguments
// always produce the same value.
var funcs = map[string]intrinsicFunc{
	"format":       {arity: -1, fn: formatFunc},
	"join":         {arity: 2, fn: joinFunc},
	"trim":         {arity: 1, fn: trimFunc},
	"array":        {arity: -1, fn: arrayFunc},
	"number":       {arity: 1, fn: numberFunc},
	"string":       {arity: 1, fn: stringFunc},
	"jsonToString": {arity: 1, fn: jsonToStringFunc},
	"stringToJson": {arity: 1, fn: stringToJSONFunc},
}

// formatFunc substitutes each "{}" in the template with the next argument.
func formatFunc(args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: format requires a template argument", ErrFunctionFailed)
	}

	template, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: format template must be a string, got %T", ErrFunctionFailed, args[0])
	}

	values := args[1:]

	var b strings.Builder

	rest := template

	for _, v := range values {
		idx := strings.Index(rest, "{}")
		if idx < 0 {
			return nil, fmt.Errorf("%w: format has more arguments than placeholders", ErrFunctionFailed)
		}

		b.WriteString(rest[:idx])
		b.WriteString(stringify(v))
		rest = rest[idx+2:]
	}

	if strings.Contains(rest, "{}") {
		return nil, fmt.Errorf("%w: format has more placeholders than arguments", ErrFunctionFailed)
	}

	b.WriteString(rest)

	return b.String(), nil
}

func joinFunc(args []any) (any, error) {
	sep, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: join separator must be a string, got %T", ErrFunctionFailed, args[0])
	}

	list, ok := args[1].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: join expects a list, got %T", ErrFunctionFailed, args[1])
	}

	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = stringify(v)
	}

	return strings.Join(parts, sep), nil
}

func trimFunc(args []any) (any, error) {
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: trim expects a string, got %T", ErrFunctionFailed, args[0])
	}

	return strings.TrimSpace(s), nil
}

func arrayFunc(args []any) (any, error) {
	out := make([]any, len(args))
	copy(out, args)

	return out, nil
}

func numberFunc(args []any) (any, error) {
	switch v := args[0].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1.0, nil
		}

		return 0.0, nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot coerce %q to number", ErrFunctionFailed, v)
		}

		return n, nil
	default:
		return nil, fmt.Errorf("%w: cannot coerce %T to number", ErrFunctionFailed, args[0])
	}
}

func stringFunc(args []any) (any, error) {
	return stringify(args[0]), nil
}

func jsonToStringFunc(args []any) (any, error) {
	data, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFunctionFailed, err)
	}

	return string(data), nil
}

func stringToJSONFunc(args []any) (any, error) {
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: stringToJson expects a string, got %T", ErrFunctionFailed, args[0])
	}

	var value any

	err := json.Unmarshal([]byte(s), &value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFunctionFailed, err)
	}

	return value, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}

		return string(data)
	}
}

// Truthy coerces a value to bool for edge-condition evaluation: booleans pass
// through, numbers are true when non-zero, strings when they parse as true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		parsed, err := strconv.ParseBool(t)
		if err != nil {
			return false
		}

		return parsed
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return false
	}
}
