// Package serializer converts the stored message envelope to and from bytes.
//
// The envelope schema is {topic, data}. JSON is the default encoding and
// matches what is already stored by existing producers; MessagePack is
// available for binary payloads. Both must round-trip byte for byte.
package serializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ugorji/go/codec"
)

var (
	// ErrCorrupt is returned when stored bytes cannot be decoded into an envelope
	ErrCorrupt = errors.New("serializer: corrupt envelope")
	// ErrInvalidEnvelope is returned when an envelope cannot be encoded faithfully
	ErrInvalidEnvelope = errors.New("serializer: invalid envelope")
)

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Envelope is the stored form of a message
type Envelope struct {
	Topic string `json:"topic" codec:"topic"`
	Data  string `json:"data" codec:"data"`
}

// Serializer encodes and decodes envelopes
type Serializer interface {
	Name() string
	Encode(env Envelope) ([]byte, error)
	Decode(b []byte) (Envelope, error)
}

// ByName returns the serializer registered under name
func ByName(name string) (Serializer, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameMsgpack:
		return NewMsgpack(), nil
	default:
		return nil, fmt.Errorf("unsupported serializer: %s", name)
	}
}

// wireEnvelope detects missing fields, which a plain Envelope would
// silently decode as empty strings.
type wireEnvelope struct {
	Topic *string `json:"topic" codec:"topic"`
	Data  *string `json:"data" codec:"data"`
}

func (w wireEnvelope) envelope() (Envelope, error) {
	if w.Topic == nil || w.Data == nil {
		return Envelope{}, fmt.Errorf("%w: missing topic or data", ErrCorrupt)
	}
	return Envelope{Topic: *w.Topic, Data: *w.Data}, nil
}

type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Encode(env Envelope) ([]byte, error) {
	// JSON replaces invalid UTF-8, which would break the round trip
	if !utf8.ValidString(env.Topic) || !utf8.ValidString(env.Data) {
		return nil, fmt.Errorf("%w: json requires valid utf-8, use msgpack for binary data", ErrInvalidEnvelope)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return b, nil
}

func (JSON) Decode(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return w.envelope()
}

type Msgpack struct {
	handle *codec.MsgpackHandle
}

func NewMsgpack() *Msgpack {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	return &Msgpack{handle: h}
}

func (m *Msgpack) Name() string { return NameMsgpack }

func (m *Msgpack) Encode(env Envelope) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, m.handle).Encode(env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return b, nil
}

func (m *Msgpack) Decode(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := codec.NewDecoderBytes(b, m.handle).Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return w.envelope()
}

var (
	_ Serializer = JSON{}
	_ Serializer = (*Msgpack)(nil)
)
