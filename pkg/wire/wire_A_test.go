package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWritesTag(t *testing.T) { // A
	t.Parallel()
	tests := []struct {
		env  Envelope
		want Type
	}{
		{Plain{Message: "hi"}, TypeMessage},
		{SendEncrypted{To: "B", Message: "x"}, TypeSendEncrypted},
		{EncryptedDeliver{RoutedMessage{From: "A", To: "B", EncryptedData: "e"}}, TypeEncryptedMessage},
		{DecryptRequest{RoutedMessage{From: "A", To: "B", EncryptedData: "e"}}, TypeDecrypt},
		{Decrypted{From: "A", Message: "x"}, TypeDecryptedMessage},
		{Ping{}, TypePing},
		{Pong{Timestamp: 12.5}, TypePong},
		{System{Event: EventJoined, City: "A"}, TypeSystem},
		{Error{Code: "unreachable", Message: "no path"}, TypeError},
	}
	for _, tc := range tests {
		frame, err := Encode(tc.env)
		require.NoError(t, err)

		got, ok := PeekType(frame)
		require.True(t, ok, string(frame))
		assert.Equal(t, tc.want, got)

		back, err := Decode(frame)
		require.NoError(t, err, string(frame))
		assert.Equal(t, tc.want, back.Type())
	}
}

func TestEncodeEmptyBody(t *testing.T) { // A
	t.Parallel()
	frame, err := Encode(Ping{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(frame))
}

func TestDecodeRoutedMessage(t *testing.T) { // A
	t.Parallel()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := EncryptedDeliver{RoutedMessage{
		ID:             NewID(),
		From:           "A",
		To:             "E",
		Route:          []string{"A", "B", "E"},
		Hops:           2,
		OriginalLength: 4,
		BitLength:      4,
		HuffmanEncoded: "1110",
		HuffmanCodes:   map[string]string{"A": "1", "B": "0"},
		EncryptedData:  "Zm9v",
		Timestamp:      ts,
	}}
	frame, err := Encode(in)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, "encrypted_message", raw["type"])
	assert.Equal(t, "Zm9v", raw["encrypted_data"])

	env, err := Decode(frame)
	require.NoError(t, err)
	out, ok := env.(EncryptedDeliver)
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, err = uuid.Parse(out.ID)
	assert.NoError(t, err)
}

func TestDecodeClientFrames(t *testing.T) { // A
	t.Parallel()
	env, err := Decode([]byte(`{"type":"send_encrypted","to":"Paris","message":"bonjour"}`))
	require.NoError(t, err)
	assert.Equal(t, SendEncrypted{To: "Paris", Message: "bonjour"}, env)

	env, err = Decode([]byte(`{"type":"ping","timestamp":1700000000.25}`))
	require.NoError(t, err)
	assert.Equal(t, Ping{Timestamp: 1700000000.25}, env)
}

func TestDecodeRejectsMalformed(t *testing.T) { // A
	t.Parallel()
	frames := map[string]string{
		"invalid json":       `{"type":`,
		"not an object":      `["ping"]`,
		"missing tag":        `{"message":"x"}`,
		"numeric tag":        `{"type":3}`,
		"unknown tag":        `{"type":"teleport"}`,
		"missing to":         `{"type":"send_encrypted","message":"x"}`,
		"missing message":    `{"type":"message"}`,
		"wrong field type":   `{"type":"send_encrypted","to":5,"message":"x"}`,
		"missing ciphertext": `{"type":"decrypt","from":"A","to":"B"}`,
	}
	for name, frame := range frames {
		_, err := Decode([]byte(frame))
		assert.ErrorIs(t, err, ErrMalformedEnvelope, name)
	}
}

func TestPeekTypeWithoutTag(t *testing.T) { // A
	t.Parallel()
	_, ok := PeekType([]byte(`{"x":1}`))
	assert.False(t, ok)
}

func TestDecodePlainTimestampForms(t *testing.T) { // A
	t.Parallel()
	tests := map[string]struct {
		frame string
		want  time.Time
	}{
		"rfc3339":     {`{"type":"message","message":"hi","timestamp":"2026-03-01T12:00:00Z"}`, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		"unix millis": {`{"type":"message","message":"hi","timestamp":1700000000000}`, time.UnixMilli(1700000000000)},
		"free text":   {`{"type":"message","message":"hi","timestamp":"yesterday"}`, time.Time{}},
		"object":      {`{"type":"message","message":"hi","timestamp":{"s":1}}`, time.Time{}},
		"absent":      {`{"type":"message","message":"hi"}`, time.Time{}},
	}
	for name, tc := range tests {
		env, err := Decode([]byte(tc.frame))
		require.NoError(t, err, name)
		p, ok := env.(Plain)
		require.True(t, ok, name)
		assert.Equal(t, "hi", p.Message, name)
		assert.True(t, tc.want.Equal(p.Timestamp), "%s: got %v", name, p.Timestamp)
	}
}
