package lexicoder

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, c Lexicoder, v any) []byte {
	t.Helper()
	b, err := c.Encode(v)
	require.NoError(t, err)
	return b
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func TestLong_RoundTrip(t *testing.T) {
	c := Long()
	for _, n := range []int64{math.MinInt64, -1, 0, 1, 42, math.MaxInt64} {
		b := mustEncode(t, c, n)
		require.Len(t, b, 8)
		v, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, n, v)
	}
}

func TestLong_OrderPreservation(t *testing.T) {
	c := Long()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		a := rng.Int63() - rng.Int63()
		b := rng.Int63() - rng.Int63()
		ea := mustEncode(t, c, a)
		eb := mustEncode(t, c, b)

		want := 0
		if a < b {
			want = -1
		} else if a > b {
			want = 1
		}
		assert.Equal(t, want, sign(bytes.Compare(ea, eb)), "a=%d b=%d", a, b)
	}
}

func TestLong_DecodeWrongLength(t *testing.T) {
	c := Long()
	for _, n := range []int{0, 1, 7, 9} {
		_, err := c.Decode(make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidArgument, "length %d", n)
	}
}

func TestDouble_SortOrder(t *testing.T) {
	c := Double()
	// Ascending numeric order, including infinity approximations and the
	// -0.0/+0.0 pair, must encode to ascending byte order.
	values := []float64{
		math.Inf(-1), -math.MaxFloat64, -1.0, -math.SmallestNonzeroFloat64,
		0.0, math.SmallestNonzeroFloat64, 1.0, math.MaxFloat64, math.Inf(1),
	}
	var prev []byte
	for i, f := range values {
		enc := mustEncode(t, c, f)
		if i > 0 {
			assert.True(t, bytes.Compare(prev, enc) < 0, "%v should sort before %v", values[i-1], f)
		}
		prev = enc
	}
}

func TestDouble_NegativeZero(t *testing.T) {
	c := Double()
	pos := mustEncode(t, c, 0.0)
	neg := mustEncode(t, c, math.Copysign(0, -1))
	assert.Equal(t, pos, neg)
}

func TestDouble_RejectsNaN(t *testing.T) {
	_, err := Double().Encode(math.NaN())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDouble_RoundTrip(t *testing.T) {
	c := Double()
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		f := rng.NormFloat64() * math.Pow(10, float64(rng.Intn(40)-20))
		b := mustEncode(t, c, f)
		v, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, f, v)
	}
}

func TestString_RoundTripAndOrder(t *testing.T) {
	c := String()
	words := []string{"a", "aa", "ab", "b", "ba", "z", "日本語"}
	for _, w := range words {
		b := mustEncode(t, c, w)
		v, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, w, v)
	}
	for i := 1; i < len(words); i++ {
		a := mustEncode(t, c, words[i-1])
		b := mustEncode(t, c, words[i])
		assert.True(t, bytes.Compare(a, b) < 0, "%q must encode before %q", words[i-1], words[i])
	}
}

func TestString_RejectsEmpty(t *testing.T) {
	_, err := String().Encode("")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = String().Decode(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBytes_RejectsEmpty(t *testing.T) {
	_, err := Bytes().Encode([]byte{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Bytes().Decode(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBytes_Identity(t *testing.T) {
	c := Bytes()
	in := []byte{0x00, 0x01, 0xff}
	enc := mustEncode(t, c, in)
	assert.Equal(t, in, enc)
	dec, err := c.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, in, dec)
}

func TestInstant_RoundTrip(t *testing.T) {
	c := Instant()
	now := time.Now().Truncate(time.Millisecond)
	b := mustEncode(t, c, now)
	v, err := c.Decode(b)
	require.NoError(t, err)
	assert.True(t, now.Equal(v.(time.Time)))
}

func TestInstant_Order(t *testing.T) {
	c := Instant()
	early := time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC)
	late := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	assert.True(t, bytes.Compare(mustEncode(t, c, early), mustEncode(t, c, late)) < 0)
}

func TestReverse_InvertsOrder(t *testing.T) {
	c := Reverse(Long())
	e5 := mustEncode(t, c, int64(5))
	e6 := mustEncode(t, c, int64(6))
	assert.True(t, bytes.Compare(e5, e6) > 0, "reverse(5) must compare greater than reverse(6)")

	v, err := c.Decode(e5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestTuple_Ordering(t *testing.T) {
	c := Tuple(String(), Long())
	a2 := mustEncode(t, c, []any{"a", int64(2)})
	a3 := mustEncode(t, c, []any{"a", int64(3)})
	b0 := mustEncode(t, c, []any{"b", int64(0)})
	assert.True(t, bytes.Compare(a2, a3) < 0)
	assert.True(t, bytes.Compare(a3, b0) < 0)
}

func TestTuple_ArityMismatch(t *testing.T) {
	c := Tuple(String(), Long())
	_, err := c.Encode([]any{"a"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Encode([]any{"a", int64(1), int64(2)})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// An encoding of a 1-tuple must not decode as a 2-tuple.
	one := mustEncode(t, Tuple(String()), []any{"a"})
	_, err = c.Decode(one)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTuple_RoundTrip(t *testing.T) {
	c := Tuple(String(), Long(), Bytes())
	in := []any{"hello\x00world", int64(-7), []byte{0x00, 0x01, 0x02}}
	enc := mustEncode(t, c, in)
	dec, err := c.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, in, dec)
}

func TestSequence_RoundTrip(t *testing.T) {
	c := Sequence(String())
	in := []any{"one", "two", "three"}
	enc := mustEncode(t, c, in)
	dec, err := c.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, in, dec)
}

func TestSequence_EmptyEncodesEmpty(t *testing.T) {
	enc, err := Sequence(String()).Encode([]any{})
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := Sequence(String()).Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestSequence_PrefixOrder(t *testing.T) {
	c := Sequence(String())
	shorter := mustEncode(t, c, []any{"a"})
	longer := mustEncode(t, c, []any{"a", "b"})
	assert.True(t, bytes.Compare(shorter, longer) < 0, "prefix sequence must sort first")
}

func TestSequence_SeparatorBytesInElements(t *testing.T) {
	// Elements containing separator and escape bytes must survive the
	// escaping protocol and keep element-wise order.
	c := Sequence(Bytes())
	in := []any{[]byte{0x00}, []byte{0x00, 0x01}, []byte{0x01}, []byte{0x02}}
	enc := mustEncode(t, c, in)
	dec, err := c.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, in, dec)

	for i := 1; i < len(in); i++ {
		a := mustEncode(t, c, in[i-1:i])
		b := mustEncode(t, c, in[i:i+1])
		assert.True(t, bytes.Compare(a, b) < 0, "element %d must sort before %d", i-1, i)
	}
}

func TestFromConfig_RoundTrip(t *testing.T) {
	coders := []Lexicoder{
		Bytes(),
		String(),
		Long(),
		Double(),
		Instant(),
		Sequence(Long()),
		Tuple(String(), Long()),
		Reverse(Tuple(String(), Double())),
	}
	for _, c := range coders {
		rebuilt, err := FromConfig(c.Config())
		require.NoError(t, err, c.Config().String())
		assert.Equal(t, c.Config(), rebuilt.Config())
	}
}

func TestFromConfig_UnknownTag(t *testing.T) {
	_, err := FromConfig(Config{Tag: "complex128"})
	assert.ErrorIs(t, err, ErrUnsupportedConfig)
}

func TestFromConfig_WrongParamCount(t *testing.T) {
	_, err := FromConfig(Config{Tag: "reverse"})
	assert.ErrorIs(t, err, ErrUnsupportedConfig)

	_, err = FromConfig(Config{Tag: "long", Params: []any{"x"}})
	assert.ErrorIs(t, err, ErrUnsupportedConfig)

	_, err = FromConfig(Config{Tag: "string", Params: []any{"ebcdic"}})
	assert.ErrorIs(t, err, ErrUnsupportedConfig)
}

func TestStringCharset_UTF8Accepted(t *testing.T) {
	c, err := FromConfig(Config{Tag: "string", Params: []any{"utf-8"}})
	require.NoError(t, err)
	b := mustEncode(t, c, "héllo")
	v, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "héllo", v)
}
