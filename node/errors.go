package node

import (
	"errors"
	"fmt"
)

// ErrMissingNode is returned when a referenced digest is absent from the
// store.
var ErrMissingNode = errors.New("node: missing node")

// TypeMismatchError indicates a node decoded with an unexpected data type.
type TypeMismatchError struct {
	Digest Digest
	Want   Type
	Got    Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("node %s: expected %s, got %s", e.Digest, e.Want, e.Got)
}

// CorruptNodeError indicates a node whose attributes fail invariants. It
// names the offending attribute so callers can report the broken node.
type CorruptNodeError struct {
	Digest    Digest
	NodeType  Type
	Attribute string
	Detail    string
}

func (e *CorruptNodeError) Error() string {
	return fmt.Sprintf("corrupt %s node %s: %s: %s", e.NodeType, e.Digest, e.Attribute, e.Detail)
}

func corrupt(t Type, attr, detail string) error {
	return &CorruptNodeError{NodeType: t, Attribute: attr, Detail: detail}
}

// withDigest stamps the offending digest onto corruption errors raised
// during decode. The error value is copied, never mutated, since some
// corruption errors are shared sentinels.
func withDigest(err error, d Digest) error {
	var ce *CorruptNodeError
	if errors.As(err, &ce) && ce.Digest.IsZero() {
		stamped := *ce
		stamped.Digest = d
		return &stamped
	}
	return err
}
