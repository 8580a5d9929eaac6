package codec

import (
    "bytes"
    "encoding/json"
    "errors"
    "io"
)

// JSON encodes messages with encoding/json.
type JSON struct{}

func (JSON) Name() string                  { return "json" }
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal rejects trailing data after the first value so concatenated or
// truncated frames are reported instead of half-decoded.
func (JSON) Unmarshal(data []byte, v any) error {
    dec := json.NewDecoder(bytes.NewReader(data))
    if err := dec.Decode(v); err != nil { return err }
    if _, err := dec.Token(); !errors.Is(err, io.EOF) { return errTrailing }
    return nil
}
