// internal/protocol/message.go
package protocol

import (
	"fmt"

	json "github.com/json-iterator/go"
)

// BrowserCloseMessageID is the request id used for the fire-and-forget close
// message sent during a graceful shutdown. Connections never expect a reply to it.
const BrowserCloseMessageID int64 = -9999

// codec mirrors encoding/json semantics so RawMessage, omitempty and
// json.Marshaler implementations behave as callers expect.
var codec = json.ConfigCompatibleWithStandardLibrary

// Message is the envelope shared by every wire protocol the engines speak.
//
// Requests carry ID, Method and Params. Responses carry the matching ID and
// either Result or Error. Notifications carry Method and Params without an ID.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`

	// PageProxyID is the WebKit routing key for page proxy sessions.
	PageProxyID string `json:"pageProxyId,omitempty"`
}

// ErrorPayload is the error object of a failed response.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
	Data    string `json:"data,omitempty"`
}

// UnmarshalJSON accepts the error object of CDP-style protocols as well as
// the bare error code string WebDriver BiDi responds with.
func (e *ErrorPayload) UnmarshalJSON(data []byte) error {
	var code string
	if err := codec.Unmarshal(data, &code); err == nil {
		*e = ErrorPayload{Message: code}
		return nil
	}
	type plain ErrorPayload
	var p plain
	if err := codec.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = ErrorPayload(p)
	return nil
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool {
	return m.ID != 0 && m.Method == ""
}

// IsEvent reports whether the message is an unsolicited notification.
func (m *Message) IsEvent() bool {
	return m.ID == 0 && m.Method != ""
}

// Marshal encodes a message to its JSON wire form.
func Marshal(m *Message) ([]byte, error) {
	return codec.Marshal(m)
}

// Unmarshal decodes one JSON wire message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed protocol message: %w", err)
	}
	return &m, nil
}

// EncodeParams converts an arbitrary params value into its raw form.
// A nil value encodes as an empty object, which every engine accepts.
func EncodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := codec.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return b, nil
}

// DecodeParams decodes raw params (or a raw result) into out.
func DecodeParams(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	return codec.Unmarshal(raw, out)
}
