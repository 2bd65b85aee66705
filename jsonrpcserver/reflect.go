package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooManyArguments = errors.New("too many arguments")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// paramsError is a request whose params do not fit the method signature.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return e.err.Error() }

func (e *paramsError) Unwrap() error { return e.err }

type methodHandler struct {
	in  []reflect.Type
	fn  reflect.Value
	out int
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	numIn := fnType.NumIn()
	if numIn == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}
	in := make([]reflect.Type, numIn-1)
	for i := 1; i < numIn; i++ {
		in[i-1] = fnType.In(i)
	}

	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	return methodHandler{in: in, fn: reflect.ValueOf(fn), out: numOut}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := decodeParams(h.in, params)
	if err != nil {
		return nil, &paramsError{err}
	}
	args = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)

	results := h.fn.Call(args)

	var outError error
	if last := results[len(results)-1]; !last.IsNil() {
		outError = last.Interface().(error) //nolint:forcetypeassert
	}
	if h.out == 1 {
		return nil, outError
	}
	return results[0].Interface(), outError
}

// decodeParams unmarshals positional params, missing trailing params are zero values.
func decodeParams(in []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(in) {
		return nil, ErrTooManyArguments
	}

	args := make([]reflect.Value, len(in))
	for i, argType := range in {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
