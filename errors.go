package merkledb

import (
	"errors"
	"fmt"

	"github.com/hupe1980/merkledb/key"
	"github.com/hupe1980/merkledb/lexicoder"
	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/partition"
	"github.com/hupe1980/merkledb/patch"
	"github.com/hupe1980/merkledb/record"
	"github.com/hupe1980/merkledb/refs"
	"github.com/hupe1980/merkledb/tree"
)

// The table API folds the error kinds of the subpackages into a small set
// of sentinels callers can match with errors.Is. The original error stays
// reachable through errors.Is and errors.As.
var (
	// ErrInvalidArgument covers malformed keys, unordered change-sets and
	// values a lexicoder rejects.
	ErrInvalidArgument = errors.New("merkledb: invalid argument")

	// ErrUnsupportedConfig covers unknown lexicoder tags, bad coder
	// parameters and out-of-range tree parameters.
	ErrUnsupportedConfig = errors.New("merkledb: unsupported configuration")

	// ErrPartitionOverflow indicates a partition built beyond its limit.
	ErrPartitionOverflow = errors.New("merkledb: partition overflow")

	// ErrMissingNode indicates a referenced digest absent from the store.
	ErrMissingNode = errors.New("merkledb: missing node")

	// ErrCorruptNode indicates a node failing type or invariant checks.
	ErrCorruptNode = errors.New("merkledb: corrupt node")

	// ErrConcurrentCommit indicates the table root moved underneath a
	// commit; reopen and retry.
	ErrConcurrentCommit = errors.New("merkledb: concurrent commit")
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, key.ErrEmptyKey),
		errors.Is(err, lexicoder.ErrInvalidArgument),
		errors.Is(err, patch.ErrUnordered),
		errors.Is(err, patch.ErrInvalidKey),
		errors.Is(err, partition.ErrUnordered),
		errors.Is(err, partition.ErrNoRecords):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)

	case errors.Is(err, lexicoder.ErrUnsupportedConfig),
		errors.Is(err, tree.ErrInvalidParams),
		errors.Is(err, record.ErrReservedFamily),
		errors.Is(err, record.ErrOverlappingFamilies):
		return fmt.Errorf("%w: %w", ErrUnsupportedConfig, err)

	case errors.Is(err, partition.ErrOverflow):
		return fmt.Errorf("%w: %w", ErrPartitionOverflow, err)

	case errors.Is(err, node.ErrMissingNode):
		return fmt.Errorf("%w: %w", ErrMissingNode, err)

	case errors.Is(err, refs.ErrConcurrentAdvance):
		return fmt.Errorf("%w: %w", ErrConcurrentCommit, err)
	}

	var corrupt *node.CorruptNodeError
	var mismatch *node.TypeMismatchError
	if errors.As(err, &corrupt) || errors.As(err, &mismatch) {
		return fmt.Errorf("%w: %w", ErrCorruptNode, err)
	}

	return err
}
