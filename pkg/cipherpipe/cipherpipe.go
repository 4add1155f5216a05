// Package cipherpipe turns plaintext into a transportable packet: Huffman
// coding, bit packing, XChaCha20-Poly1305 sealing and base64 text encoding,
// and reverses the pipeline on receipt.
package cipherpipe

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/i5heu/citynet/pkg/huffman"
)

// KeySize is the symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Key is a 32-byte XChaCha20-Poly1305 key.
type Key [KeySize]byte

var (
	// ErrEmptyPlaintext is returned by Encode for an empty message.
	ErrEmptyPlaintext = errors.New("cipherpipe: empty plaintext")
	// ErrKeyMismatch is matched by DecodeErrors of kind KeyMismatch.
	ErrKeyMismatch = errors.New("cipherpipe: key mismatch")
	// ErrMalformedCode is matched by DecodeErrors of kind MalformedCode.
	ErrMalformedCode = errors.New("cipherpipe: malformed code")
)

// DecodeErrorKind classifies a failed Decode.
type DecodeErrorKind uint8 // A

const (
	// KeyMismatch covers transport damage and authentication failure.
	KeyMismatch DecodeErrorKind = iota + 1
	// MalformedCode covers Huffman failures after a successful open.
	MalformedCode
)

func (k DecodeErrorKind) String() string { // A
	switch k {
	case KeyMismatch:
		return "KeyMismatch"
	case MalformedCode:
		return "MalformedCode"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// DecodeError is returned by Decode.
type DecodeError struct { // A
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string { // A
	if e.Err == nil {
		return "cipherpipe: " + e.Kind.String()
	}
	return fmt.Sprintf("cipherpipe: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err } // A

// Is maps the kind to ErrKeyMismatch / ErrMalformedCode.
func (e *DecodeError) Is(target error) bool { // A
	switch e.Kind {
	case KeyMismatch:
		return target == ErrKeyMismatch
	case MalformedCode:
		return target == ErrMalformedCode
	}
	return false
}

// EncodedPacket is the output of Encode. CompressedBits and CodeTable travel
// in the clear next to the ciphertext.
type EncodedPacket struct { // A
	OriginalLength int               `json:"original_length"`
	BitLength      int               `json:"bit_length"`
	CompressedBits string            `json:"compressed_bits"`
	CodeTable      map[string]string `json:"code_table"`
	Ciphertext     string            `json:"ciphertext"`
}

// Encode compresses and seals plaintext under key. Every call draws a fresh
// random nonce, so encoding the same text twice yields different ciphertext.
func Encode(plaintext string, key Key) (*EncodedPacket, error) { // A
	if plaintext == "" {
		return nil, ErrEmptyPlaintext
	}
	code, err := huffman.Build(plaintext)
	if err != nil {
		return nil, fmt.Errorf("cipherpipe: build code: %w", err)
	}
	bits, err := code.Encode(plaintext)
	if err != nil {
		return nil, fmt.Errorf("cipherpipe: huffman encode: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipherpipe: init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(bits)/8+1+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipherpipe: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, huffman.Pack(bits), additionalData(len(bits)))

	return &EncodedPacket{
		OriginalLength: utf8.RuneCountInString(plaintext),
		BitLength:      len(bits),
		CompressedBits: bits,
		CodeTable:      code.Table(),
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decode opens p under key and reverses the Huffman stage.
func Decode(p *EncodedPacket, key Key) (string, error) { // A
	if p == nil {
		return "", &DecodeError{Kind: MalformedCode, Err: errors.New("nil packet")}
	}
	raw, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return "", &DecodeError{Kind: KeyMismatch, Err: err}
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", &DecodeError{Kind: KeyMismatch, Err: err}
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", &DecodeError{Kind: KeyMismatch, Err: errors.New("ciphertext too short")}
	}
	if p.BitLength < 0 {
		return "", &DecodeError{Kind: KeyMismatch, Err: errors.New("negative bit length")}
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	packed, err := aead.Open(nil, nonce, body, additionalData(p.BitLength))
	if err != nil {
		return "", &DecodeError{Kind: KeyMismatch, Err: err}
	}

	bits, err := huffman.Unpack(packed, p.BitLength)
	if err != nil {
		return "", &DecodeError{Kind: MalformedCode, Err: err}
	}
	text, err := huffman.Decode(bits, p.CodeTable)
	if err != nil {
		return "", &DecodeError{Kind: MalformedCode, Err: err}
	}
	if n := utf8.RuneCountInString(text); n != p.OriginalLength {
		return "", &DecodeError{
			Kind: MalformedCode,
			Err:  fmt.Errorf("decoded %d runes, packet claims %d", n, p.OriginalLength),
		}
	}
	return text, nil
}

// additionalData binds the bit length to the ciphertext.
func additionalData(bitLen int) []byte { // A
	var ad [8]byte
	binary.BigEndian.PutUint64(ad[:], uint64(bitLen))
	return ad[:]
}

// NewKey returns a random key.
func NewKey() (Key, error) { // A
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}
