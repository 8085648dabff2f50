package lexicoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// Bytes returns the identity coder over raw byte slices. Empty input is
// rejected in both directions.
func Bytes() Lexicoder { return bytesCoder{} }

type bytesCoder struct{}

func (bytesCoder) Config() Config { return Config{Tag: "bytes"} }

func (bytesCoder) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: bytes coder expects []byte, got %T", ErrInvalidArgument, v)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: bytes coder rejects empty input", ErrInvalidArgument)
	}
	return bytes.Clone(b), nil
}

func (bytesCoder) Decode(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: bytes coder rejects empty input", ErrInvalidArgument)
	}
	return bytes.Clone(b), nil
}

// String returns the UTF-8 string coder. Empty strings are rejected.
func String() Lexicoder { return stringCoder{} }

// StringCharset returns a string coder for the given charset. Only UTF-8 is
// supported; other charsets yield ErrUnsupportedConfig.
func StringCharset(charset string) (Lexicoder, error) {
	switch charset {
	case "", "utf-8", "UTF-8", "utf8":
		return stringCoder{charset: charset}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported charset %q", ErrUnsupportedConfig, charset)
	}
}

type stringCoder struct {
	charset string
}

func (c stringCoder) Config() Config {
	if c.charset == "" {
		return Config{Tag: "string"}
	}
	return Config{Tag: "string", Params: []any{c.charset}}
}

func (c stringCoder) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: string coder expects string, got %T", ErrInvalidArgument, v)
	}
	if s == "" {
		return nil, fmt.Errorf("%w: string coder rejects empty strings", ErrInvalidArgument)
	}
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidArgument)
	}
	return []byte(s), nil
}

func (c stringCoder) Decode(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: string coder rejects empty input", ErrInvalidArgument)
	}
	if !utf8.Valid(b) {
		return nil, fmt.Errorf("%w: input is not valid UTF-8", ErrInvalidArgument)
	}
	return string(b), nil
}

// Long returns the signed 64-bit integer coder: 8 bytes big-endian with the
// sign bit flipped so two's-complement negatives sort before positives.
func Long() Lexicoder { return longCoder{} }

type longCoder struct{}

const signBit = uint64(1) << 63

func (longCoder) Config() Config { return Config{Tag: "long"} }

func (longCoder) Encode(v any) ([]byte, error) {
	n, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	return encodeLong(n), nil
}

func (longCoder) Decode(b []byte) (any, error) {
	return decodeLong(b)
}

func encodeLong(n int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n)^signBit)
	return buf[:]
}

func decodeLong(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: long coder requires exactly 8 bytes, got %d", ErrInvalidArgument, len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ signBit), nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrInvalidArgument, n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: long coder expects an integer, got %T", ErrInvalidArgument, v)
	}
}

// Double returns the IEEE-754 float64 coder. The bit pattern is transformed
// so unsigned-lex order matches numeric order for all finite values: if the
// sign bit is set all bits are inverted, otherwise only the sign bit is
// flipped. -0.0 encodes as +0.0. NaN is rejected.
func Double() Lexicoder { return doubleCoder{} }

type doubleCoder struct{}

func (doubleCoder) Config() Config { return Config{Tag: "double"} }

func (doubleCoder) Encode(v any) ([]byte, error) {
	f, ok := toFloat64(v)
	if !ok {
		return nil, fmt.Errorf("%w: double coder expects float64, got %T", ErrInvalidArgument, v)
	}
	if math.IsNaN(f) {
		return nil, fmt.Errorf("%w: double coder rejects NaN", ErrInvalidArgument)
	}
	if f == 0 {
		f = 0 // normalize -0.0 to +0.0
	}
	bits := math.Float64bits(f)
	if bits&signBit != 0 {
		bits = ^bits
	} else {
		bits ^= signBit
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return buf[:], nil
}

func (doubleCoder) Decode(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("%w: double coder requires exactly 8 bytes, got %d", ErrInvalidArgument, len(b))
	}
	bits := binary.BigEndian.Uint64(b)
	if bits&signBit != 0 {
		bits ^= signBit
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}

func toFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	default:
		return 0, false
	}
}

// Instant returns the timestamp coder: milliseconds since the Unix epoch as
// a signed 64-bit integer, encoded via the long coder.
func Instant() Lexicoder { return instantCoder{} }

type instantCoder struct{}

func (instantCoder) Config() Config { return Config{Tag: "instant"} }

func (instantCoder) Encode(v any) ([]byte, error) {
	t, ok := v.(time.Time)
	if !ok {
		return nil, fmt.Errorf("%w: instant coder expects time.Time, got %T", ErrInvalidArgument, v)
	}
	return encodeLong(t.UnixMilli()), nil
}

func (instantCoder) Decode(b []byte) (any, error) {
	ms, err := decodeLong(b)
	if err != nil {
		return nil, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
