package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR marshals and unmarshals wire messages as CBOR.
type CBOR struct {
	em cbor.EncMode
	dm cbor.DecMode
}

func NewCBOR() *CBOR {
	em, err := cbor.EncOptions{
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: invalid CBOR encode options: %v", err))
	}

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: invalid CBOR decode options: %v", err))
	}

	return &CBOR{em: em, dm: dm}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.em.Marshal(v)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dm.Unmarshal(data, dst)
}
