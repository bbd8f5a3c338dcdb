package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack encodes values as MessagePack.
type Msgpack struct{}

func (Msgpack) Name() string { return NameMsgpack }

func (Msgpack) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
