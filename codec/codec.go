// Package codec provides the serialization formats used for job payloads
// and for the request/reply envelopes of message-based transports.
package codec

import "fmt"

// Codec encodes and decodes values to and from bytes.
type Codec interface {
	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string

	// Encode serializes v.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into v, which must be a pointer.
	Decode(data []byte, v any) error
}

// Codec names for configuration lookup.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Get returns a codec by name. An empty name selects JSON.
func Get(name string) (Codec, error) {
	switch name {
	case NameJSON, "":
		return JSON{}, nil
	case NameMsgpack:
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Payload encodes v with c. It is meant for Job.Serialize implementations:
//
//	func (j *SendEmail) Serialize() ([]byte, error) {
//		return codec.Payload(codec.JSON{}, j)
//	}
func Payload(c Codec, v any) ([]byte, error) {
	data, err := c.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", c.Name(), err)
	}
	return data, nil
}
