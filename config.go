package dbcore

// Options structs are per-instance constants fixed at creation and
// persisted alongside an index's files. They are never read from a
// global/process-wide configuration; each index instance owns its own copy.

// HashAlgorithm selects the digest used to reduce a normalised secondary
// value to a directory index in an ExtendibleHash, or to derive a stable
// ID elsewhere in the engine. See idhash.go.
type HashAlgorithm int

const (
	HashXXH3 HashAlgorithm = iota + 1
	HashBlake2b
	HashFNV1a
)

// ISAMOptions configures an ISAM primary index at creation time.
type ISAMOptions struct {
	BlockFactor            int     // records per data page
	RootIndexBlockFactor   int     // entries per root index page
	LeafIndexBlockFactor   int     // entries per leaf index page
	ConsolidationThreshold int     // merge trigger: active_count below this
	MaxOverflow            int     // overflow pages per data page before an insert forces a rebuild
	RebuildGrowthFactor    float64 // multiplier applied to block factors on rebuild
	MaxRebuildFactor       float64 // upper cap on the cumulative growth multiplier
}

// DefaultISAMOptions returns the stock ISAM tuning.
func DefaultISAMOptions() ISAMOptions {
	return ISAMOptions{
		BlockFactor:            30,
		RootIndexBlockFactor:   50,
		LeafIndexBlockFactor:   50,
		ConsolidationThreshold: 10,
		MaxOverflow:            3,
		RebuildGrowthFactor:    1.3,
		MaxRebuildFactor:       200.0,
	}
}

// SequentialFileOptions configures a Sequential File primary index.
type SequentialFileOptions struct {
	InitialK int // aux-file size trigger before k is recomputed from record count
}

// DefaultSequentialFileOptions returns the stock Sequential File tuning.
func DefaultSequentialFileOptions() SequentialFileOptions {
	return SequentialFileOptions{InitialK: 10}
}

// BPlusTreeOptions configures either the clustered or unclustered B+ tree.
type BPlusTreeOptions struct {
	Order int // max children per internal node; max_keys = Order-1
}

// DefaultBPlusTreeOptions returns the stock order-50 tree.
func DefaultBPlusTreeOptions() BPlusTreeOptions {
	return BPlusTreeOptions{Order: 50}
}

// HashOptions configures an ExtendibleHash secondary index.
type HashOptions struct {
	BlockFactor   int // index records per bucket
	MaxOverflow   int // overflow buckets per chain before a directory double
	InitialDepth  int // global depth at creation
	HashAlgorithm HashAlgorithm
}

// DefaultHashOptions returns the stock extendible-hash tuning.
func DefaultHashOptions() HashOptions {
	return HashOptions{
		BlockFactor:   20,
		MaxOverflow:   2,
		InitialDepth:  3,
		HashAlgorithm: HashXXH3,
	}
}
