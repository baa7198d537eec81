package mcplsp_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/MegaGrindStone/go-mcp-lsp"
)

func TestParseMessage(t *testing.T) {
	type testCase struct {
		name     string
		input    string
		wantKind mcplsp.MessageKind
		wantCode int
	}

	testCases := []testCase{
		{
			name:     "request with numeric id",
			input:    `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{}}}`,
			wantKind: mcplsp.KindRequest,
		},
		{
			name:     "request with string id",
			input:    `{"jsonrpc":"2.0","id":"abc","method":"shutdown"}`,
			wantKind: mcplsp.KindRequest,
		},
		{
			name:     "request without jsonrpc",
			input:    `{"id":7,"method":"textDocument/hover"}`,
			wantKind: mcplsp.KindRequest,
		},
		{
			name:     "notification",
			input:    `{"jsonrpc":"2.0","method":"initialized","params":{}}`,
			wantKind: mcplsp.KindNotification,
		},
		{
			name:     "method with null id",
			input:    `{"jsonrpc":"2.0","id":null,"method":"exit"}`,
			wantCode: mcplsp.CodeInvalidRequest,
		},
		{
			name:     "response with result",
			input:    `{"jsonrpc":"2.0","id":1,"result":{"capabilities":{}}}`,
			wantKind: mcplsp.KindResponse,
		},
		{
			name:     "response with null result",
			input:    `{"jsonrpc":"2.0","id":1,"result":null}`,
			wantKind: mcplsp.KindResponse,
		},
		{
			name:     "error response with null id",
			input:    `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`,
			wantKind: mcplsp.KindResponse,
		},
		{
			name:     "malformed json",
			input:    `{"jsonrpc":"2.0",`,
			wantCode: mcplsp.CodeParseError,
		},
		{
			name:     "array",
			input:    `[1,2,3]`,
			wantCode: mcplsp.CodeInvalidRequest,
		},
		{
			name:     "empty object",
			input:    `{}`,
			wantCode: mcplsp.CodeInvalidRequest,
		},
		{
			name:     "wrong version",
			input:    `{"jsonrpc":"1.0","id":1,"method":"initialize"}`,
			wantCode: mcplsp.CodeInvalidRequest,
		},
		{
			name:     "both result and error",
			input:    `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":-32603,"message":"x"}}`,
			wantCode: mcplsp.CodeInvalidRequest,
		},
		{
			name:     "result without id",
			input:    `{"jsonrpc":"2.0","result":1}`,
			wantCode: mcplsp.CodeInvalidRequest,
		},
		{
			name:     "fractional id",
			input:    `{"jsonrpc":"2.0","id":1.5,"method":"initialize"}`,
			wantCode: mcplsp.CodeInvalidRequest,
		},
		{
			name:     "non string method",
			input:    `{"jsonrpc":"2.0","id":1,"method":42}`,
			wantCode: mcplsp.CodeInvalidRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := mcplsp.ParseMessage([]byte(tc.input))
			if tc.wantCode != 0 {
				var rpcErr *mcplsp.Error
				if !errors.As(err, &rpcErr) {
					t.Fatalf("expected *Error with code %d, got %v", tc.wantCode, err)
				}
				if rpcErr.Code != tc.wantCode {
					t.Errorf("expected code %d, got %d", tc.wantCode, rpcErr.Code)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to parse message: %v", err)
			}
			if msg.Kind != tc.wantKind {
				t.Errorf("expected kind %s, got %s", tc.wantKind, msg.Kind)
			}
			if msg.JSONRPC != mcplsp.JSONRPCVersion {
				t.Errorf("expected jsonrpc %q, got %q", mcplsp.JSONRPCVersion, msg.JSONRPC)
			}
		})
	}
}

func TestFormatMessageRoundTrip(t *testing.T) {
	request, err := mcplsp.NewRequest(mcplsp.NumberID(42), "textDocument/hover", map[string]any{
		"textDocument": map[string]string{"uri": "file:///a.go"},
		"position":     map[string]int{"line": 1, "character": 2},
	})
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	stringRequest, err := mcplsp.NewRequest(mcplsp.StringID("req-1"), "shutdown", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	notification, err := mcplsp.NewNotification("window/logMessage", mcplsp.LogMessageParams{
		Type:    mcplsp.MessageInfo,
		Message: "héllo 🌍",
	})
	if err != nil {
		t.Fatalf("failed to create notification: %v", err)
	}
	result, err := mcplsp.NewResponse(mcplsp.NumberID(42), []int{1, 2, 3}, nil)
	if err != nil {
		t.Fatalf("failed to create response: %v", err)
	}
	nullResult, err := mcplsp.NewResponse(mcplsp.NumberID(43), nil, nil)
	if err != nil {
		t.Fatalf("failed to create response: %v", err)
	}
	errResponse, err := mcplsp.NewResponse(mcplsp.StringID("x"), nil,
		mcplsp.NewError(mcplsp.CodeContextTooLarge, "", map[string]int{"limit": 8192}))
	if err != nil {
		t.Fatalf("failed to create response: %v", err)
	}

	for _, msg := range []mcplsp.Message{request, stringRequest, notification, result, nullResult, errResponse} {
		t.Run(msg.Kind.String()+"/"+msg.ID.String(), func(t *testing.T) {
			bs, err := mcplsp.FormatMessage(msg)
			if err != nil {
				t.Fatalf("failed to format message: %v", err)
			}
			got, err := mcplsp.ParseMessage(bs)
			if err != nil {
				t.Fatalf("failed to parse formatted message %s: %v", bs, err)
			}
			if !reflect.DeepEqual(got, msg) {
				t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", msg, got)
			}
		})
	}
}

func TestFormatMessageRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		msg  mcplsp.Message
	}{
		{
			name: "request without id",
			msg:  mcplsp.Message{Kind: mcplsp.KindRequest, Method: "initialize"},
		},
		{
			name: "notification with id",
			msg:  mcplsp.Message{Kind: mcplsp.KindNotification, Method: "exit", ID: mcplsp.NumberID(1)},
		},
		{
			name: "response with neither result nor error",
			msg:  mcplsp.Message{Kind: mcplsp.KindResponse, ID: mcplsp.NumberID(1)},
		},
		{
			name: "unknown kind",
			msg:  mcplsp.Message{Method: "exit"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mcplsp.FormatMessage(tc.msg)
			if !errors.Is(err, mcplsp.NewInvalidRequest(nil)) {
				t.Errorf("expected invalid request error, got %v", err)
			}
		})
	}
}

func TestNewResponseRejectsResultAndError(t *testing.T) {
	_, err := mcplsp.NewResponse(mcplsp.NumberID(1), "ok", mcplsp.NewInternalError(nil))
	if err == nil {
		t.Fatalf("expected error when both result and error are given")
	}
}

func TestFormatMessageAlwaysWritesVersion(t *testing.T) {
	msg := mcplsp.Message{Kind: mcplsp.KindNotification, Method: "initialized"}
	bs, err := mcplsp.FormatMessage(msg)
	if err != nil {
		t.Fatalf("failed to format message: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"initialized"}`
	if string(bs) != want {
		t.Errorf("expected %s, got %s", want, bs)
	}
}

func TestIDDistinguishesNumberAndString(t *testing.T) {
	var n, s mcplsp.ID
	if err := json.Unmarshal([]byte(`1`), &n); err != nil {
		t.Fatalf("failed to unmarshal numeric id: %v", err)
	}
	if err := json.Unmarshal([]byte(`"1"`), &s); err != nil {
		t.Fatalf("failed to unmarshal string id: %v", err)
	}
	if n == s {
		t.Errorf("expected numeric and string ids to differ")
	}
	if v, ok := n.Number(); !ok || v != 1 {
		t.Errorf("expected numeric id 1, got %v (%v)", v, ok)
	}
	if _, ok := s.Number(); ok {
		t.Errorf("expected string id not to be numeric")
	}
}

func TestDecodeParams(t *testing.T) {
	msg, err := mcplsp.ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"textDocument/hover","params":{"position":"bad"}}`))
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}
	var params mcplsp.TextDocumentPositionParams
	err = msg.DecodeParams(&params)
	if !errors.Is(err, mcplsp.NewInvalidParams(nil)) {
		t.Errorf("expected invalid params error, got %v", err)
	}
}

func TestErrorMessages(t *testing.T) {
	err := mcplsp.NewMethodNotFound("foo/bar")
	if err.Code != mcplsp.CodeMethodNotFound || err.Message != "Method not found" {
		t.Errorf("unexpected error: %+v", err)
	}
	if string(err.Data) != `{"method":"foo/bar"}` {
		t.Errorf("unexpected error data: %s", err.Data)
	}

	custom := mcplsp.NewError(mcplsp.CodeAuthenticationFailed, "token expired", nil)
	if custom.Message != "token expired" {
		t.Errorf("expected custom message to be kept, got %q", custom.Message)
	}
	if len(custom.Data) != 0 {
		t.Errorf("expected no data, got %s", custom.Data)
	}
}
