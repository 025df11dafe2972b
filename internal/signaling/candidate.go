package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Candidate holds an ICE candidate as JSON text. On a JSON connection it is
// written verbatim; on a msgpack connection it travels as the equivalent
// msgpack value (normally a map), so either side of a mixed room sees the
// same object.
type Candidate []byte

var (
	_ json.Marshaler        = Candidate(nil)
	_ json.Unmarshaler      = (*Candidate)(nil)
	_ msgpack.CustomEncoder = Candidate(nil)
	_ msgpack.CustomDecoder = (*Candidate)(nil)
)

func (c Candidate) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	return c, nil
}

func (c *Candidate) UnmarshalJSON(data []byte) error {
	if c == nil {
		return fmt.Errorf("signaling.Candidate: UnmarshalJSON on nil pointer")
	}
	*c = append((*c)[:0], data...)
	return nil
}

func (c Candidate) EncodeMsgpack(enc *msgpack.Encoder) error {
	if len(c) == 0 {
		return enc.EncodeNil()
	}
	dec := json.NewDecoder(bytes.NewReader(c))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("candidate is not valid JSON: %w", err)
	}
	return enc.Encode(fromJSONNumbers(v))
}

// DecodeMsgpack accepts any msgpack value and stores its JSON form. A bin or
// str value is taken as JSON text, which is how older clients send it.
func (c *Candidate) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		return c.setText(v)
	case string:
		return c.setText([]byte(v))
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("candidate has no JSON form: %w", err)
	}
	*c = data
	return nil
}

func (c *Candidate) setText(text []byte) error {
	if !json.Valid(text) {
		return fmt.Errorf("candidate text is not valid JSON")
	}
	*c = append((*c)[:0], text...)
	return nil
}

// fromJSONNumbers turns json.Number leaves into int64 or float64 so integers
// stay integers on the msgpack side.
func fromJSONNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = fromJSONNumbers(e)
		}
	case []any:
		for i, e := range v {
			v[i] = fromJSONNumbers(e)
		}
	}
	return v
}
