package lexicoder

import "fmt"

// Sequence returns a coder over variable-length slices of elem's domain.
// Each element is encoded with elem, escaped, and joined with a single 0x00
// separator. An empty sequence encodes to zero bytes; outer contexts that
// require non-empty keys reject it.
func Sequence(elem Lexicoder) Lexicoder {
	return sequenceCoder{elem: elem}
}

type sequenceCoder struct {
	elem Lexicoder
}

func (c sequenceCoder) Config() Config {
	return Config{Tag: "sequence", Params: []any{c.elem.Config()}}
}

func (c sequenceCoder) Encode(v any) ([]byte, error) {
	vs, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: sequence coder expects []any, got %T", ErrInvalidArgument, v)
	}
	return encodeElements(c.elem, vs)
}

func (c sequenceCoder) Decode(b []byte) (any, error) {
	parts := splitElements(b)
	out := make([]any, len(parts))
	for i, part := range parts {
		v, err := decodeElement(c.elem, part)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Tuple returns a fixed-arity composite coder. Encode rejects wrong-arity
// inputs and decode rejects element-count mismatches.
func Tuple(elems ...Lexicoder) Lexicoder {
	return tupleCoder{elems: elems}
}

type tupleCoder struct {
	elems []Lexicoder
}

func (c tupleCoder) Config() Config {
	params := make([]any, len(c.elems))
	for i, e := range c.elems {
		params[i] = e.Config()
	}
	return Config{Tag: "tuple", Params: params}
}

func (c tupleCoder) Encode(v any) ([]byte, error) {
	vs, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: tuple coder expects []any, got %T", ErrInvalidArgument, v)
	}
	if len(vs) != len(c.elems) {
		return nil, fmt.Errorf("%w: tuple coder expects %d elements, got %d", ErrInvalidArgument, len(c.elems), len(vs))
	}
	var out []byte
	for i, elem := range vs {
		enc, err := c.elems[i].Encode(elem)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			out = append(out, separator)
		}
		out = escape(out, enc)
	}
	return out, nil
}

func (c tupleCoder) Decode(b []byte) (any, error) {
	parts := splitElements(b)
	if len(parts) != len(c.elems) {
		return nil, fmt.Errorf("%w: tuple coder expects %d elements, got %d", ErrInvalidArgument, len(c.elems), len(parts))
	}
	out := make([]any, len(parts))
	for i, part := range parts {
		v, err := decodeElement(c.elems[i], part)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func encodeElements(elem Lexicoder, vs []any) ([]byte, error) {
	var out []byte
	for i, v := range vs {
		enc, err := elem.Encode(v)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			out = append(out, separator)
		}
		out = escape(out, enc)
	}
	return out, nil
}

func decodeElement(elem Lexicoder, escaped []byte) (any, error) {
	raw, err := unescape(escaped)
	if err != nil {
		return nil, err
	}
	return elem.Decode(raw)
}

// Reverse wraps inner so the encoded order is inverted: every output byte b
// is mapped to 255-b.
func Reverse(inner Lexicoder) Lexicoder {
	return reverseCoder{inner: inner}
}

type reverseCoder struct {
	inner Lexicoder
}

func (c reverseCoder) Config() Config {
	return Config{Tag: "reverse", Params: []any{c.inner.Config()}}
}

func (c reverseCoder) Encode(v any) ([]byte, error) {
	enc, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(enc))
	for i, b := range enc {
		out[i] = ^b
	}
	return out, nil
}

func (c reverseCoder) Decode(b []byte) (any, error) {
	raw := make([]byte, len(b))
	for i, x := range b {
		raw[i] = ^x
	}
	return c.inner.Decode(raw)
}
