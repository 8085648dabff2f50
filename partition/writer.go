package partition

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/merkledb/node"
	"github.com/hupe1980/merkledb/record"
)

// maxConcurrentWrites caps how many partitions serialize their tablets at
// once during a bulk write, bounding memory for large streams.
const maxConcurrentWrites = 6

// PartitionRecords consumes a key-ordered record stream and packs it into
// valid partitions.
//
// Records accumulate until limit + minFill are pending, then one full
// partition of limit records is cut and the remainder (exactly minFill) is
// kept. At end of stream a pending run larger than the limit is split
// roughly in half so both sides hold at least minFill; otherwise one final
// partition is cut, which may be below minFill only when it is the sole
// partition.
//
// Tablet serialization for distinct partitions proceeds concurrently (at
// most maxConcurrentWrites in flight); the returned parts preserve input
// order.
func PartitionRecords(ctx context.Context, store node.Store, params Params, records Stream) ([]Part, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentWrites)

	var (
		mu    sync.Mutex
		parts []Part
	)
	next := 0
	launch := func(idx int, batch []record.Record) {
		g.Go(func() error {
			part, err := fromRecords(gctx, store, params, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for len(parts) <= idx {
				parts = append(parts, Part{})
			}
			parts[idx] = part
			mu.Unlock()
			return nil
		})
	}

	var pending []record.Record
	cut := func(n int) {
		batch := make([]record.Record, n)
		copy(batch, pending)
		pending = append(pending[:0], pending[n:]...)
		launch(next, batch)
		next++
	}

	threshold := params.Limit + params.MinFill()
	var streamErr error
	for r, err := range records {
		if err != nil {
			streamErr = err
			break
		}
		pending = append(pending, r)
		if len(pending) >= threshold {
			cut(params.Limit)
		}
	}
	if streamErr != nil {
		_ = g.Wait()
		return nil, streamErr
	}

	switch {
	case len(pending) == 0:
	case len(pending) > params.Limit:
		cut((len(pending) + 1) / 2)
		cut(len(pending))
	default:
		cut(len(pending))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}
