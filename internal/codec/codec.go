// Package codec implements the pluggable serialization layer: two named
// codecs (json, binary-object) with optional gzip compression, satisfying
// decode(encode(v)) == v for any value representable by the codec.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"io"

	"github.com/datapunk/lake/internal/lakeerr"
)

// Codec encodes and decodes arbitrary values to and from bytes suitable for
// storage. Implementations must round-trip losslessly for any value in
// their domain.
type Codec interface {
	Name() string
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSON is the default codec, backed by encoding/json.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, lakeerr.New(lakeerr.SerializationError, "codec.json.encode", err)
	}
	return b, nil
}

func (JSON) Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return lakeerr.New(lakeerr.SerializationError, "codec.json.decode", err)
	}
	return nil
}

// BinaryObject is the "binary-object" codec, backed by encoding/gob. Decode
// requires v to be a pointer to a concrete, gob-registrable type; unlike
// JSON it does not round-trip bare interface{} values without prior
// gob.Register.
type BinaryObject struct{}

func (BinaryObject) Name() string { return "binary-object" }

func (BinaryObject) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, lakeerr.New(lakeerr.SerializationError, "codec.binary-object.encode", err)
	}
	return buf.Bytes(), nil
}

func (BinaryObject) Decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return lakeerr.New(lakeerr.SerializationError, "codec.binary-object.decode", err)
	}
	return nil
}

// ByName returns the built-in codec registered under name ("json" or
// "binary-object"), or a ConfigError if name is not recognized.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "binary-object":
		return BinaryObject{}, nil
	default:
		return nil, lakeerr.New(lakeerr.ConfigError, "codec.ByName", nil)
	}
}

// Compressed wraps an inner Codec, gzip-compressing its encoded output and
// decompressing before decode. Compression is opt-in per call or from
// configuration.
type Compressed struct {
	Inner Codec
}

func (c Compressed) Name() string { return c.Inner.Name() + "+gzip" }

func (c Compressed) Encode(v interface{}) ([]byte, error) {
	raw, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, lakeerr.New(lakeerr.SerializationError, "codec.compressed.encode", err)
	}
	if err := gw.Close(); err != nil {
		return nil, lakeerr.New(lakeerr.SerializationError, "codec.compressed.encode", err)
	}
	return buf.Bytes(), nil
}

func (c Compressed) Decode(data []byte, v interface{}) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return lakeerr.New(lakeerr.SerializationError, "codec.compressed.decode", err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return lakeerr.New(lakeerr.SerializationError, "codec.compressed.decode", err)
	}
	return c.Inner.Decode(raw, v)
}
