// Package codec provides the wire encodings used by archives and snapshot storage.
// JSON is the human-readable format, msgpack the compact binary format. The two are
// interchangeable at the archive level; payloads are re-encoded when converting.
package codec

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/shamaton/msgpack/v3"
)

// Format identifies the encoding of an archive or payload.
type Format uint8

const (
	FormatUndefined Format = iota
	FormatBinary
	FormatJSON
)

const (
	binaryFormatString    = "BINARY"
	jsonFormatString      = "JSON"
	undefinedFormatString = "UNDEFINED"
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return binaryFormatString
	case FormatJSON:
		return jsonFormatString
	case FormatUndefined:
		return undefinedFormatString
	default:
		return undefinedFormatString
	}
}

func (f Format) IsValid() bool {
	return f == FormatBinary || f == FormatJSON
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(s) {
	case binaryFormatString:
		return FormatBinary, nil
	case jsonFormatString:
		return FormatJSON, nil
	default:
		return FormatUndefined, eris.Errorf("invalid format: %s", s)
	}
}

// DecodeJSON decodes JSON bytes into a value of type T.
func DecodeJSON[T any](bz []byte) (T, error) {
	v := new(T)
	if err := json.Unmarshal(bz, v); err != nil {
		return *v, eris.Wrap(err, "failed to decode json")
	}
	return *v, nil
}

// EncodeJSON encodes a value as JSON bytes.
func EncodeJSON(v any) ([]byte, error) {
	bz, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode json")
	}
	return bz, nil
}

// EncodeBinary encodes a value as msgpack bytes.
func EncodeBinary(v any) ([]byte, error) {
	bz, err := msgpack.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode binary")
	}
	return bz, nil
}

// DecodeBinary decodes msgpack bytes into v, which must be a pointer.
func DecodeBinary(bz []byte, v any) (err error) {
	defer func() {
		// shamaton/msgpack/v3 panics instead of returning an error on some malformed
		// inputs. Recover so callers always see a plain error.
		if r := recover(); r != nil {
			err = eris.Wrap(fmt.Errorf("panic: %v", r), "failed to decode binary")
		}
	}()

	if err := msgpack.Unmarshal(bz, v); err != nil {
		return eris.Wrap(err, "failed to decode binary")
	}
	return nil
}

// Encode encodes v in the given format.
func Encode(v any, f Format) ([]byte, error) {
	switch f {
	case FormatBinary:
		return EncodeBinary(v)
	case FormatJSON:
		return EncodeJSON(v)
	case FormatUndefined:
		return nil, eris.Errorf("cannot encode with format %s", f)
	default:
		return nil, eris.Errorf("cannot encode with format %s", f)
	}
}

// Decode decodes data in the given format into v, which must be a pointer.
func Decode(data []byte, v any, f Format) error {
	switch f {
	case FormatBinary:
		return DecodeBinary(data, v)
	case FormatJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return eris.Wrap(err, "failed to decode json")
		}
		return nil
	case FormatUndefined:
		return eris.Errorf("cannot decode with format %s", f)
	default:
		return eris.Errorf("cannot decode with format %s", f)
	}
}
