package encoding

import "fmt"

// CodecName is the gRPC content-subtype peers use for msgpack payloads
const CodecName = "msgpack"

// Codec adapts Marshal/Unmarshal to gRPC's encoding.Codec interface.
// Register it with google.golang.org/grpc/encoding.RegisterCodec.
type Codec struct{}

// Marshal implements encoding.Codec
func (Codec) Marshal(v interface{}) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec
func (Codec) Unmarshal(data []byte, v interface{}) error {
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack unmarshal %T: %w", v, err)
	}
	return nil
}

// Name implements encoding.Codec
func (Codec) Name() string {
	return CodecName
}
