package jsonrpcserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testHandler(t *testing.T, token string) *Handler {
	t.Helper()
	errorOut := errors.New("custom error") //nolint:goerr113
	handler, err := NewHandler(zap.NewNop(), Methods{
		"function": func(ctx context.Context, arg1 int) (dummyStruct, error) {
			if arg1 == -1 {
				return dummyStruct{}, errorOut
			}
			return dummyStruct{arg1}, nil
		},
	}, token)
	require.NoError(t, err)
	return handler
}

func serve(handler http.Handler, method, body string, header http.Header) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, "/", strings.NewReader(body))
	for k, v := range header {
		request.Header[k] = v
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request)
	return rr
}

func TestHandler_ServeHTTP(t *testing.T) {
	handler := testHandler(t, "")

	testCases := map[string]struct {
		requestBody      string
		expectedResponse string
	}{
		"success": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"result":{"field":1}}`,
		},
		"string id": {
			requestBody:      `{"jsonrpc":"2.0","id":"a","method":"function","params":[2]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":"a","result":{"field":2}}`,
		},
		"error": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[-1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"custom error"}}`,
		},
		"invalid json": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]`,
			expectedResponse: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"unexpected end of JSON input"}}`,
		},
		"invalid version": {
			requestBody:      `{"jsonrpc":"1.0","id":1,"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"invalid jsonrpc version"}}`,
		},
		"invalid id": {
			requestBody:      `{"jsonrpc":"2.0","id":{},"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"invalid id type"}}`,
		},
		"method not found": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"not_found","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
		},
		"too many params": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1,2]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"too many arguments"}}`,
		},
		"invalid params type": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":["1"]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"param 0: json: cannot unmarshal string into Go value of type int"}}`,
		},
		"batch": {
			requestBody: `[{"jsonrpc":"2.0","id":1,"method":"function","params":[3]},{"jsonrpc":"2.0","id":2,"method":"nope"}]`,
			expectedResponse: `[{"jsonrpc":"2.0","id":1,"result":{"field":3}},` +
				`{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"method not found"}}]`,
		},
		"empty batch": {
			requestBody:      `[]`,
			expectedResponse: `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"invalid batch size"}}`,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			rr := serve(handler, http.MethodPost, testCase.requestBody, nil)
			require.Equal(t, http.StatusOK, rr.Code)
			require.JSONEq(t, testCase.expectedResponse, rr.Body.String())
		})
	}
}

func TestHandlerRejectsGet(t *testing.T) {
	rr := serve(testHandler(t, ""), http.MethodGet, "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandlerAuthToken(t *testing.T) {
	handler := testHandler(t, "secret")
	body := `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]}`

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "secret", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			rr := serve(handler, http.MethodPost, body, header)
			require.Equal(t, tt.code, rr.Code)
		})
	}
}
