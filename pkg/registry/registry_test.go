package registry

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetrpc/fleetrpc/pkg/errors"
)

var (
	intType    = reflect.TypeOf(int64(0))
	floatType  = reflect.TypeOf(float64(0))
	stringType = reflect.TypeOf("")
)

func TestResolveByArity(t *testing.T) {
	r := New()
	r.Register("math", Method{Name: "add", Args: nil, Handler: func(args []any) (any, error) { return "zero-arity", nil }})
	r.Register("math", Method{Name: "add", Args: []reflect.Type{intType}, Handler: func(args []any) (any, error) { return "one-arity", nil }})
	r.Register("math", Method{Name: "add", Args: []reflect.Type{intType, intType}, Handler: func(args []any) (any, error) { return "two-arity", nil }})

	h, err := r.Resolve("math", "add", []any{int64(1), int64(2)})
	require.NoError(t, err)
	result, err := h(nil)
	require.NoError(t, err)
	require.Equal(t, "two-arity", result)
}

func TestResolveByArgumentTypeShape(t *testing.T) {
	r := New()
	r.Register("math", Method{
		Name: "add",
		Args: []reflect.Type{intType, intType},
		Handler: func(args []any) (any, error) {
			return args[0].(int64) + args[1].(int64), nil
		},
	})
	r.Register("math", Method{
		Name: "add",
		Args: []reflect.Type{floatType, floatType},
		Handler: func(args []any) (any, error) {
			return args[0].(float64) + args[1].(float64), nil
		},
	})

	h, err := r.Resolve("math", "add", []any{int64(2), int64(3)})
	require.NoError(t, err)
	result, err := h([]any{int64(2), int64(3)})
	require.NoError(t, err)
	require.Equal(t, int64(5), result)

	h, err = r.Resolve("math", "add", []any{1.5, 2.5})
	require.NoError(t, err)
	result, err = h([]any{1.5, 2.5})
	require.NoError(t, err)
	require.Equal(t, 4.0, result)
}

func TestResolveAmbiguousMethod(t *testing.T) {
	r := New()
	// Two overloads that both accept "any" at the same arity are
	// indistinguishable by argument shape (spec §4.6/§8.6).
	r.Register("math", Method{Name: "add", Args: []reflect.Type{nil, nil}, Handler: func(args []any) (any, error) { return nil, nil }})
	r.Register("math", Method{Name: "add", Args: []reflect.Type{nil, nil}, Handler: func(args []any) (any, error) { return nil, nil }})

	_, err := r.Resolve("math", "add", []any{int64(1), int64(2)})
	require.Error(t, err)
	require.Equal(t, errors.KindAmbiguousMethod, errors.Of(err))
	require.Contains(t, err.Error(), "Ambiguous")
}

func TestResolveServiceOrMethodNotFound(t *testing.T) {
	r := New()
	r.Register("math", Method{Name: "add", Args: []reflect.Type{intType}, Handler: func(args []any) (any, error) { return nil, nil }})

	_, err := r.Resolve("nope", "add", []any{int64(1)})
	require.Equal(t, errors.KindServiceNotFound, errors.Of(err))

	_, err = r.Resolve("math", "subtract", []any{int64(1)})
	require.Equal(t, errors.KindServiceNotFound, errors.Of(err))

	_, err = r.Resolve("math", "add", []any{"wrong-type"})
	require.Equal(t, errors.KindServiceNotFound, errors.Of(err))
}
