// Package wire defines the JSON envelopes exchanged with city clients.
//
// Every frame is a JSON object whose "type" field selects the envelope.
// Decode inspects the tag once and returns a concrete Go type; nothing past
// this package handles untyped maps.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ErrMalformedEnvelope is matched by every Decode failure.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// Type is the envelope discriminator.
type Type string

const (
	TypeMessage          Type = "message"
	TypeSendEncrypted    Type = "send_encrypted"
	TypeEncryptedMessage Type = "encrypted_message"
	TypeDecrypt          Type = "decrypt"
	TypeDecryptedMessage Type = "decrypted_message"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeSystem           Type = "system"
	TypeError            Type = "error"
)

// Envelope is implemented by every frame type.
type Envelope interface { // A
	Type() Type
	validate() error
}

// Plain is a cleartext chat line broadcast to every connection.
type Plain struct { // A
	From      string    `json:"from,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (Plain) Type() Type { return TypeMessage } // A

// UnmarshalJSON accepts the timestamp as RFC 3339 text or as Unix
// milliseconds. Any other timestamp is dropped; the server stamps Plain
// lines itself before broadcasting them.
func (p *Plain) UnmarshalJSON(data []byte) error { // A
	var raw struct {
		From      string          `json:"from"`
		Message   string          `json:"message"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.From = raw.From
	p.Message = raw.Message
	p.Timestamp = parseTimestamp(raw.Timestamp)
	return nil
}

func parseTimestamp(raw json.RawMessage) time.Time { // A
	if len(raw) == 0 {
		return time.Time{}
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	var millis float64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(int64(millis))
	}
	return time.Time{}
}

func (p Plain) validate() error { // A
	if p.Message == "" {
		return missing("message")
	}
	return nil
}

// SendEncrypted asks the server to relay Message to To along the MST.
type SendEncrypted struct { // A
	To      string `json:"to"`
	Message string `json:"message"`
}

func (SendEncrypted) Type() Type { return TypeSendEncrypted } // A

func (s SendEncrypted) validate() error { // A
	if s.To == "" {
		return missing("to")
	}
	if s.Message == "" {
		return missing("message")
	}
	return nil
}

// RoutedMessage carries one encrypted relay and the route it follows.
type RoutedMessage struct { // A
	ID             string            `json:"id"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Route          []string          `json:"route"`
	Hops           int               `json:"hops"`
	OriginalLength int               `json:"original_length"`
	BitLength      int               `json:"bit_length"`
	HuffmanEncoded string            `json:"huffman_encoded"`
	HuffmanCodes   map[string]string `json:"huffman_codes"`
	EncryptedData  string            `json:"encrypted_data"`
	Timestamp      time.Time         `json:"timestamp"`
}

func (m RoutedMessage) validate() error { // A
	switch {
	case m.From == "":
		return missing("from")
	case m.To == "":
		return missing("to")
	case m.EncryptedData == "":
		return missing("encrypted_data")
	}
	return nil
}

// EncryptedDeliver is a RoutedMessage delivered to a route member. A
// recipient may echo it back to ask for decryption.
type EncryptedDeliver struct { // A
	RoutedMessage
}

func (EncryptedDeliver) Type() Type { return TypeEncryptedMessage } // A

// DecryptRequest asks the server to open a RoutedMessage with the cached
// pair key.
type DecryptRequest struct { // A
	RoutedMessage
}

func (DecryptRequest) Type() Type { return TypeDecrypt } // A

// Decrypted answers a DecryptRequest. It repeats the ciphertext, the code
// table and the Huffman bitstring so clients can show each decryption step.
type Decrypted struct { // A
	ID             string            `json:"id"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	EncryptedData  string            `json:"encrypted_data"`
	HuffmanCodes   map[string]string `json:"huffman_codes"`
	HuffmanEncoded string            `json:"huffman_encoded"`
	Message        string            `json:"final_message"`
	Timestamp      time.Time         `json:"timestamp"`
}

func (Decrypted) Type() Type { return TypeDecryptedMessage } // A

func (d Decrypted) validate() error { // A
	if d.From == "" {
		return missing("from")
	}
	return nil
}

// Ping is a liveness probe. The timestamp is echoed in the Pong.
type Ping struct { // A
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (Ping) Type() Type      { return TypePing } // A
func (Ping) validate() error { return nil }      // A

// Pong answers a Ping.
type Pong struct { // A
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (Pong) Type() Type      { return TypePong } // A
func (Pong) validate() error { return nil }      // A

// SystemEvent names a server notice.
type SystemEvent string

const (
	EventJoined          SystemEvent = "joined"
	EventLeft            SystemEvent = "left"
	EventTopologyUpdated SystemEvent = "topology_updated"
	EventRelayed         SystemEvent = "relayed"
	EventNotice          SystemEvent = "notice"
)

// System is a server notice broadcast to connections.
type System struct { // A
	Event     SystemEvent `json:"event"`
	City      string      `json:"city,omitempty"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

func (System) Type() Type { return TypeSystem } // A

func (s System) validate() error { // A
	if s.Event == "" {
		return missing("event")
	}
	return nil
}

// Error reports a failed request to its sender.
type Error struct { // A
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) Type() Type { return TypeError } // A

func (e Error) validate() error { // A
	if e.Message == "" {
		return missing("message")
	}
	return nil
}

func missing(field string) error { // A
	return fmt.Errorf("%w: missing field %q", ErrMalformedEnvelope, field)
}

// NewID returns a fresh message identifier.
func NewID() string { return uuid.NewString() } // A

// Encode writes env as a JSON object tagged with env.Type().
func Encode(env Envelope) ([]byte, error) { // A
	if env == nil {
		return nil, fmt.Errorf("wire: nil envelope")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", env.Type(), err)
	}
	tag, err := json.Marshal(string(env.Type()))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses one frame. Unknown tags, invalid JSON and missing required
// fields all return an error matching ErrMalformedEnvelope.
func Decode(frame []byte) (Envelope, error) { // A
	if !gjson.ValidBytes(frame) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedEnvelope)
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: frame is not an object", ErrMalformedEnvelope)
	}
	tag := root.Get("type")
	if tag.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformedEnvelope)
	}

	var env Envelope
	var err error
	switch Type(tag.Str) {
	case TypeMessage:
		env, err = unmarshal[Plain](frame)
	case TypeSendEncrypted:
		env, err = unmarshal[SendEncrypted](frame)
	case TypeEncryptedMessage:
		env, err = unmarshal[EncryptedDeliver](frame)
	case TypeDecrypt:
		env, err = unmarshal[DecryptRequest](frame)
	case TypeDecryptedMessage:
		env, err = unmarshal[Decrypted](frame)
	case TypePing:
		env, err = unmarshal[Ping](frame)
	case TypePong:
		env, err = unmarshal[Pong](frame)
	case TypeSystem:
		env, err = unmarshal[System](frame)
	case TypeError:
		env, err = unmarshal[Error](frame)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, tag.Str)
	}
	if err != nil {
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func unmarshal[T Envelope](frame []byte) (Envelope, error) { // A
	var v T
	if err := json.Unmarshal(frame, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return v, nil
}

// PeekType returns the tag of frame without decoding the body.
func PeekType(frame []byte) (Type, bool) { // A
	r := gjson.GetBytes(frame, "type")
	if r.Type != gjson.String {
		return "", false
	}
	return Type(r.Str), true
}
