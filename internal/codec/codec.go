package codec

type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

// Peeker is an optional extension implemented by codecs that can extract a
// single top-level string field without decoding the whole message.
type Peeker interface {
	PeekString(data []byte, key string) (string, bool)
}
