package merkledb

import (
	"github.com/hupe1980/merkledb/lexicoder"
	"github.com/hupe1980/merkledb/partition"
	"github.com/hupe1980/merkledb/record"
	"github.com/hupe1980/merkledb/tree"
)

// DefaultFlushThreshold is the pending change count at which Update flushes
// the patch buffer into the tree automatically.
const DefaultFlushThreshold = 4096

type options struct {
	branching      int
	limit          int
	families       map[string][]string
	keyCoder       lexicoder.Config
	fpRate         float64
	flushThreshold int
	logger         *Logger
	metrics        MetricsCollector
}

func defaultOptions() options {
	return options{
		branching:      tree.DefaultBranching,
		limit:          partition.DefaultLimit,
		keyCoder:       lexicoder.Config{Tag: "bytes"},
		flushThreshold: DefaultFlushThreshold,
		logger:         NoopLogger(),
	}
}

// Option configures Open.
type Option func(*options)

// WithBranchingFactor sets the maximum child count per index node
// (default 256, minimum 4).
func WithBranchingFactor(b int) Option {
	return func(o *options) { o.branching = b }
}

// WithPartitionLimit sets the maximum record count per partition
// (default 1000).
func WithPartitionLimit(limit int) Option {
	return func(o *options) { o.limit = limit }
}

// WithFamilies sets the column family configuration: disjoint field sets
// keyed by family name. "base" is reserved for the implicit family of
// unclaimed fields.
func WithFamilies(families map[string][]string) Option {
	return func(o *options) { o.families = families }
}

// WithKeyLexicoder sets the lexicoder config used by Table.Key to encode
// typed keys (default: raw bytes).
func WithKeyLexicoder(config lexicoder.Config) Option {
	return func(o *options) { o.keyCoder = config }
}

// WithFalsePositiveRate tunes the partition membership filters
// (default 1%).
func WithFalsePositiveRate(rate float64) Option {
	return func(o *options) { o.fpRate = rate }
}

// WithFlushThreshold sets the pending change count at which updates flush
// the patch buffer into the tree.
func WithFlushThreshold(n int) Option {
	return func(o *options) { o.flushThreshold = n }
}

// WithLogger sets the structured logger (default: none).
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsCollector sets a collector for operation metrics. Wire the
// same collector into node.NewStore to also observe node I/O.
func WithMetricsCollector(metrics MetricsCollector) Option {
	return func(o *options) { o.metrics = metrics }
}

// params resolves the option set into validated tree parameters.
func (o options) params() (tree.Params, error) {
	families, err := record.NewFamilies(o.families)
	if err != nil {
		return tree.Params{}, err
	}
	p := tree.Params{
		Params: partition.Params{
			Limit:             o.limit,
			Families:          families,
			FalsePositiveRate: o.fpRate,
		},
		Branching: o.branching,
	}
	if err := p.Validate(); err != nil {
		return tree.Params{}, err
	}
	return p, nil
}
