// Package codec provides the wire codecs a connection can be configured
// with. JSON is the default; CBOR is available for backends that negotiate
// the "cbor" subprotocol.
package codec

import (
	"encoding/json"

	"github.com/buger/jsonparser"
)

// JSON marshals and unmarshals wire messages as JSON.
type JSON struct{}

func NewJSON() *JSON {
	return &JSON{}
}

func (c *JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

// PeekString extracts a top-level string field without decoding the whole
// message. The inbound dispatch uses it to read the message tag cheaply.
func (c *JSON) PeekString(data []byte, key string) (string, bool) {
	s, err := jsonparser.GetString(data, key)
	if err != nil {
		return "", false
	}
	return s, true
}
