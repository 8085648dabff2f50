// Package lexicoder implements order-preserving codecs between typed values
// and opaque byte sequences.
//
// The central property of every coder: for all values a and b of the coder's
// domain, comparing a and b in their natural order and comparing Encode(a)
// and Encode(b) under unsigned lexicographic byte order yield the same sign.
// All range queries, partition splits and index navigation in merkledb reduce
// to that single byte-compare primitive.
//
// Coders are self-describing: Config returns a tag value from which
// FromConfig reconstructs an equivalent coder. Composite coders (sequence,
// tuple, reverse) hold owned references to their element coders.
package lexicoder

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidArgument is returned when a value cannot be encoded or a byte
	// sequence cannot be decoded by the coder.
	ErrInvalidArgument = errors.New("lexicoder: invalid argument")

	// ErrUnsupportedConfig is returned by FromConfig for unknown tags or
	// malformed parameter lists.
	ErrUnsupportedConfig = errors.New("lexicoder: unsupported config")
)

// Lexicoder is a bidirectional codec between domain values and non-empty
// byte sequences whose unsigned lexicographic order matches the natural
// order of the source values.
type Lexicoder interface {
	// Config returns the self-describing tag for this coder.
	Config() Config

	// Encode serializes v. The result is non-empty for every legal value,
	// except for an empty sequence which encodes to zero bytes and is
	// rejected by outer contexts requiring non-empty keys.
	Encode(v any) ([]byte, error)

	// Decode deserializes b. It is the inverse of Encode on the coder's
	// domain.
	Decode(b []byte) (any, error)
}

// Config is a self-describing coder tag: a head keyword optionally followed
// by parameters. Parameters are either primitive values (e.g. a charset
// string) or nested Configs for composite coders.
type Config struct {
	Tag    string
	Params []any
}

// String renders the config in a compact form for errors and logs.
func (c Config) String() string {
	if len(c.Params) == 0 {
		return c.Tag
	}
	return fmt.Sprintf("%s%v", c.Tag, c.Params)
}

// Factory reconstructs a coder from config parameters.
type Factory func(params []any) (Lexicoder, error)

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register installs a factory for the given tag. Later registrations
// replace earlier ones.
func Register(tag string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	registry.factories[tag] = f
}

// FromConfig reconstructs a coder from its config tag, dispatching on the
// head keyword.
func FromConfig(c Config) (Lexicoder, error) {
	registry.RLock()
	f, ok := registry.factories[c.Tag]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown tag %q", ErrUnsupportedConfig, c.Tag)
	}
	return f(c.Params)
}

// paramConfig coerces a factory parameter into a nested coder config.
func paramConfig(p any) (Config, error) {
	switch v := p.(type) {
	case Config:
		return v, nil
	case string:
		return Config{Tag: v}, nil
	default:
		return Config{}, fmt.Errorf("%w: expected coder config, got %T", ErrUnsupportedConfig, p)
	}
}

func init() {
	Register("bytes", func(params []any) (Lexicoder, error) {
		if len(params) != 0 {
			return nil, fmt.Errorf("%w: bytes takes no parameters", ErrUnsupportedConfig)
		}
		return Bytes(), nil
	})
	Register("string", func(params []any) (Lexicoder, error) {
		switch len(params) {
		case 0:
			return String(), nil
		case 1:
			charset, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("%w: string charset must be a string, got %T", ErrUnsupportedConfig, params[0])
			}
			return StringCharset(charset)
		default:
			return nil, fmt.Errorf("%w: string takes at most one parameter", ErrUnsupportedConfig)
		}
	})
	Register("long", func(params []any) (Lexicoder, error) {
		if len(params) != 0 {
			return nil, fmt.Errorf("%w: long takes no parameters", ErrUnsupportedConfig)
		}
		return Long(), nil
	})
	Register("double", func(params []any) (Lexicoder, error) {
		if len(params) != 0 {
			return nil, fmt.Errorf("%w: double takes no parameters", ErrUnsupportedConfig)
		}
		return Double(), nil
	})
	Register("instant", func(params []any) (Lexicoder, error) {
		if len(params) != 0 {
			return nil, fmt.Errorf("%w: instant takes no parameters", ErrUnsupportedConfig)
		}
		return Instant(), nil
	})
	Register("sequence", func(params []any) (Lexicoder, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: sequence takes exactly one element coder", ErrUnsupportedConfig)
		}
		cfg, err := paramConfig(params[0])
		if err != nil {
			return nil, err
		}
		elem, err := FromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return Sequence(elem), nil
	})
	Register("tuple", func(params []any) (Lexicoder, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("%w: tuple needs at least one element coder", ErrUnsupportedConfig)
		}
		elems := make([]Lexicoder, len(params))
		for i, p := range params {
			cfg, err := paramConfig(p)
			if err != nil {
				return nil, err
			}
			elem, err := FromConfig(cfg)
			if err != nil {
				return nil, err
			}
			elems[i] = elem
		}
		return Tuple(elems...), nil
	})
	Register("reverse", func(params []any) (Lexicoder, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: reverse takes exactly one inner coder", ErrUnsupportedConfig)
		}
		cfg, err := paramConfig(params[0])
		if err != nil {
			return nil, err
		}
		inner, err := FromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return Reverse(inner), nil
	})
}
