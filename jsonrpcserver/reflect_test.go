package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type ctxKey string

func rawParams(raw string) []json.RawMessage {
	var params []json.RawMessage
	err := json.Unmarshal([]byte(raw), &params)
	if err != nil {
		panic(err)
	}
	return params
}

type dummyStruct struct {
	Field int `json:"field"`
}

func TestGetMethodTypes(t *testing.T) {
	tests := []struct {
		name string
		fn   interface{}
		err  error
		in   int
	}{
		{"args", func(ctx context.Context, arg1 int, arg2 float32) error { return nil }, nil, 2},
		{"no args", func(ctx context.Context) (int, error) { return 0, nil }, nil, 0},
		{"not a function", 42, ErrNotFunction, 0},
		{"nil", nil, ErrNotFunction, 0},
		{"no context", func(arg1 int) error { return nil }, ErrMustHaveContext, 0},
		{"no error", func(ctx context.Context) int { return 0 }, ErrMustReturnError, 0},
		{"error not last", func(ctx context.Context) (error, int) { return nil, 0 }, ErrMustReturnError, 0}, //nolint:stylecheck
		{"too many results", func(ctx context.Context) (int, int, error) { return 0, 0, nil }, ErrTooManyReturnValues, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, err := getMethodTypes(tt.fn)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Len(t, method.in, tt.in)
		})
	}
}

func TestDecodeParams(t *testing.T) {
	method, err := getMethodTypes(func(context.Context, int, float32, []int, dummyStruct) error {
		return nil
	})
	require.NoError(t, err)

	args, err := decodeParams(method.in, rawParams(`[1, 2.0, [2, 3, 5], {"field": 11}]`))
	require.NoError(t, err)
	require.Len(t, args, 4)
	require.Equal(t, 1, args[0].Interface())
	require.Equal(t, float32(2.0), args[1].Interface())
	require.Equal(t, []int{2, 3, 5}, args[2].Interface())
	require.Equal(t, dummyStruct{Field: 11}, args[3].Interface())

	// trailing params may be omitted
	args, err = decodeParams(method.in, rawParams(`[7]`))
	require.NoError(t, err)
	require.Equal(t, 7, args[0].Interface())
	require.Equal(t, dummyStruct{}, args[3].Interface())

	_, err = decodeParams(method.in, rawParams(`[1, 2, [], {}, 5]`))
	require.ErrorIs(t, err, ErrTooManyArguments)

	_, err = decodeParams(method.in, rawParams(`["1"]`))
	require.Error(t, err)
}

func TestCall(t *testing.T) {
	errorOut := errors.New("function error") //nolint:goerr113
	checkCtx := func(ctx context.Context) {
		value := ctx.Value(ctxKey("key")).(string) //nolint:forcetypeassert
		require.Equal(t, "value", value)
	}

	withResult := func(ctx context.Context, arg int) (dummyStruct, error) {
		checkCtx(ctx)
		if arg == 0 {
			return dummyStruct{}, errorOut
		}
		return dummyStruct{arg}, nil
	}
	noResult := func(ctx context.Context, arg int) error {
		checkCtx(ctx)
		if arg == 0 {
			return errorOut
		}
		return nil
	}

	testCases := map[string]struct {
		function      interface{}
		args          string
		expectedValue interface{}
		expectedError error
	}{
		"result":          {withResult, `[1]`, dummyStruct{1}, nil},
		"result error":    {withResult, `[0]`, dummyStruct{}, errorOut},
		"no result":       {noResult, `[1]`, nil, nil},
		"no result error": {noResult, `[0]`, nil, errorOut},
	}

	ctx := context.WithValue(context.Background(), ctxKey("key"), "value")
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			method, err := getMethodTypes(tc.function)
			require.NoError(t, err)

			value, err := method.call(ctx, rawParams(tc.args))
			require.ErrorIs(t, err, tc.expectedError)
			require.Equal(t, tc.expectedValue, value)
		})
	}
}

func TestCallInvalidParams(t *testing.T) {
	method, err := getMethodTypes(func(ctx context.Context, arg int) error { return nil })
	require.NoError(t, err)

	_, err = method.call(context.Background(), rawParams(`[1, 2]`))
	var pErr *paramsError
	require.ErrorAs(t, err, &pErr)
	require.ErrorIs(t, err, ErrTooManyArguments)
}
