package mcplsp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageKind classifies a Message as a request, a response, or a notification.
type MessageKind int

// ID is a JSON-RPC request identifier, either an integer or a string. The zero value is
// the absent (or null) ID. IDs are comparable and may be used as map keys; the numeric
// ID 1 and the string ID "1" are distinct.
type ID struct {
	value any
}

// Message is a JSON-RPC 2.0 envelope. Params, Result and Error.Data hold raw JSON and are
// written back verbatim by FormatMessage, so a parsed message formats to equivalent bytes.
//
// A request carries ID and Method, a notification carries Method only, and a response
// carries ID and exactly one of Result or Error.
type Message struct {
	Kind    MessageKind
	JSONRPC string
	ID      ID
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *Error
}

const (
	// KindRequest is a message expecting a response.
	KindRequest MessageKind = iota + 1
	// KindResponse answers a request.
	KindResponse
	// KindNotification is a one-way message.
	KindNotification
)

// JSONRPCVersion is the only protocol version this package speaks.
const JSONRPCVersion = "2.0"

var nullJSON = json.RawMessage("null")

// NumberID returns an integer ID.
func NumberID(n int64) ID { return ID{value: n} }

// StringID returns a string ID.
func StringID(s string) ID { return ID{value: s} }

// ParseMessage decodes a single JSON-RPC message. Malformed JSON fails with a
// CodeParseError *Error; well-formed JSON that is not a valid envelope fails with a
// CodeInvalidRequest *Error. A missing jsonrpc member defaults to "2.0".
//
// Classification follows member presence: method and id make a request, result or error
// make a response, and method alone makes a notification. A method with a null id is
// neither, and is rejected.
func ParseMessage(data []byte) (Message, error) {
	if !json.Valid(data) {
		return Message{}, NewParseError("invalid JSON")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return Message{}, NewInvalidRequest("message is not a JSON object")
	}

	msg := Message{JSONRPC: JSONRPCVersion}
	if v, ok := raw["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &msg.JSONRPC); err != nil || msg.JSONRPC != JSONRPCVersion {
			return Message{}, NewInvalidRequest(fmt.Sprintf("unsupported jsonrpc version: %s", v))
		}
	}

	_, hasMethod := raw["method"]
	if hasMethod {
		if err := json.Unmarshal(raw["method"], &msg.Method); err != nil {
			return Message{}, NewInvalidRequest("method must be a string")
		}
	}
	idRaw, hasID := raw["id"]
	if hasID && !bytes.Equal(idRaw, nullJSON) {
		if err := json.Unmarshal(idRaw, &msg.ID); err != nil {
			return Message{}, NewInvalidRequest(err.Error())
		}
	}
	result, hasResult := raw["result"]
	errRaw, hasError := raw["error"]

	switch {
	case hasMethod && msg.ID.IsValid():
		msg.Kind = KindRequest
		msg.Params = raw["params"]
	case hasResult || hasError:
		msg.Kind = KindResponse
		msg.Method = ""
		if hasResult {
			msg.Result = result
		}
		if hasError && !bytes.Equal(errRaw, nullJSON) {
			var rpcErr Error
			if err := json.Unmarshal(errRaw, &rpcErr); err != nil {
				return Message{}, NewInvalidRequest("error must be an object with code and message")
			}
			msg.Error = &rpcErr
		}
	case hasMethod && hasID:
		return Message{}, NewInvalidRequest("request id must be a number or a string")
	case hasMethod:
		msg.Kind = KindNotification
		msg.Params = raw["params"]
	default:
		return Message{}, NewInvalidRequest("message is neither a request, a response nor a notification")
	}

	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate dispatches to the validator matching the message kind.
func Validate(msg Message) error {
	switch msg.Kind {
	case KindRequest:
		return ValidateRequest(msg)
	case KindResponse:
		return ValidateResponse(msg)
	case KindNotification:
		return ValidateNotification(msg)
	default:
		return NewInvalidRequest("unknown message kind")
	}
}

// ValidateRequest checks that msg is a well-formed request.
func ValidateRequest(msg Message) error {
	if err := validateVersion(msg); err != nil {
		return err
	}
	if msg.Method == "" {
		return NewInvalidRequest("request without method")
	}
	if !msg.ID.IsValid() {
		return NewInvalidRequest("request without id")
	}
	if msg.Result != nil || msg.Error != nil {
		return NewInvalidRequest("request with result or error")
	}
	return nil
}

// ValidateResponse checks that msg is a well-formed response. The ID may only be null when
// the response carries an error, as for replies to unparseable requests.
func ValidateResponse(msg Message) error {
	if err := validateVersion(msg); err != nil {
		return err
	}
	hasResult := msg.Result != nil
	hasError := msg.Error != nil
	if hasResult && hasError {
		return NewInvalidRequest("response with both result and error")
	}
	if !hasResult && !hasError {
		return NewInvalidRequest("response without result or error")
	}
	if !msg.ID.IsValid() && !hasError {
		return NewInvalidRequest("response without id")
	}
	return nil
}

// ValidateNotification checks that msg is a well-formed notification.
func ValidateNotification(msg Message) error {
	if err := validateVersion(msg); err != nil {
		return err
	}
	if msg.Method == "" {
		return NewInvalidRequest("notification without method")
	}
	if msg.ID.IsValid() {
		return NewInvalidRequest("notification with id")
	}
	return nil
}

// FormatMessage validates msg and encodes it. The jsonrpc member is always written as
// "2.0" and members appear in a fixed order.
func FormatMessage(msg Message) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0"`)

	if msg.Kind != KindNotification {
		idBs, err := msg.ID.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"id":`)
		buf.Write(idBs)
	}

	if msg.Kind != KindResponse {
		methodBs, err := json.Marshal(msg.Method)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal method: %w", err)
		}
		buf.WriteString(`,"method":`)
		buf.Write(methodBs)
		if msg.Params != nil {
			if !json.Valid(msg.Params) {
				return nil, NewInvalidParams("params are not valid JSON")
			}
			buf.WriteString(`,"params":`)
			buf.Write(msg.Params)
		}
	}

	if msg.Kind == KindResponse {
		if msg.Error != nil {
			errBs, err := json.Marshal(msg.Error)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal error: %w", err)
			}
			buf.WriteString(`,"error":`)
			buf.Write(errBs)
		} else {
			if !json.Valid(msg.Result) {
				return nil, NewInternalError("result is not valid JSON")
			}
			buf.WriteString(`,"result":`)
			buf.Write(msg.Result)
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewRequest creates a request. Params are JSON-encoded unless they are nil or already a
// json.RawMessage.
func NewRequest(id ID, method string, params any) (Message, error) {
	p, err := encodeParams(params)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Kind:    KindRequest,
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  p,
	}
	return msg, ValidateRequest(msg)
}

// NewNotification creates a notification.
func NewNotification(method string, params any) (Message, error) {
	p, err := encodeParams(params)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Kind:    KindNotification,
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  p,
	}
	return msg, ValidateNotification(msg)
}

// NewResponse creates a response carrying either result or rpcErr. Supplying both is an
// error; supplying neither produces a null result.
func NewResponse(id ID, result any, rpcErr *Error) (Message, error) {
	if result != nil && rpcErr != nil {
		return Message{}, fmt.Errorf("response for id %s has both result and error", id)
	}
	msg := Message{
		Kind:    KindResponse,
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
	if rpcErr == nil {
		r, err := encodeParams(result)
		if err != nil {
			return Message{}, err
		}
		if r == nil {
			r = nullJSON
		}
		msg.Result = r
	}
	return msg, ValidateResponse(msg)
}

// MarshalJSON implements json.Marshaler using FormatMessage.
func (m Message) MarshalJSON() ([]byte, error) {
	return FormatMessage(m)
}

// UnmarshalJSON implements json.Unmarshaler using ParseMessage.
func (m *Message) UnmarshalJSON(data []byte) error {
	msg, err := ParseMessage(data)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// DecodeParams unmarshals the message params into v. Absent params leave v untouched.
func (m Message) DecodeParams(v any) error {
	if len(m.Params) == 0 || bytes.Equal(m.Params, nullJSON) {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return NewInvalidParams(err.Error())
	}
	return nil
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// IsValid reports whether the ID holds a number or a string.
func (id ID) IsValid() bool {
	return id.value != nil
}

// Number returns the numeric value and whether the ID is numeric.
func (id ID) Number() (int64, bool) {
	n, ok := id.value.(int64)
	return n, ok
}

func (id ID) String() string {
	switch v := id.value.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return strconv.Quote(v)
	default:
		return "null"
	}
}

// MarshalJSON implements json.Marshaler. The zero ID encodes as null.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. Only strings and integers are accepted.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, nullJSON) {
		*id = ID{}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	switch tv := v.(type) {
	case string:
		*id = StringID(tv)
	case json.Number:
		n, err := tv.Int64()
		if err != nil {
			return fmt.Errorf("id must be an integer or a string, got %s", tv)
		}
		*id = NumberID(n)
	default:
		return fmt.Errorf("id must be an integer or a string, got %s", data)
	}
	return nil
}

func validateVersion(msg Message) error {
	if msg.JSONRPC != "" && msg.JSONRPC != JSONRPCVersion {
		return NewInvalidRequest(fmt.Sprintf("unsupported jsonrpc version: %s", msg.JSONRPC))
	}
	return nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if p == nil {
			return nil, nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return buf.Bytes(), nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}
