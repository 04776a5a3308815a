package arbcore

import (
	"time"

	flag "github.com/spf13/pflag"
)

// Config controls the checkpointed execution engine: cache sizing,
// checkpoint frequency, message batching, and the handful of
// profiling/startup knobs carried over from the original implementation
// (see SPEC_FULL.md section 3).
type Config struct {
	// MessageProcessCount bounds how many inbox entries the driver feeds
	// the VM per runMachineStep call, and how many an execution
	// cursor reads per round.
	MessageProcessCount int `koanf:"message-process-count"`

	// MinGasCheckpointFrequency is the minimum arb_gas_used delta between
	// two saved checkpoints.
	MinGasCheckpointFrequency uint64 `koanf:"min-gas-checkpoint-frequency"`

	// BasicMachineCacheInterval is the gas delta between basic-tier cache
	// insertions.
	BasicMachineCacheInterval uint64 `koanf:"basic-machine-cache-interval"`

	// BasicMachineCacheSize bounds the basic cache ring.
	BasicMachineCacheSize int `koanf:"basic-machine-cache-size"`

	// LRUMachineCacheSize bounds the LRU cache tier.
	LRUMachineCacheSize int `koanf:"lru-machine-cache-size"`

	// TimedCacheExpiration is how long sideload snapshots live in the
	// timed cache tier before wall-clock eviction.
	TimedCacheExpiration time.Duration `koanf:"timed-cache-expiration"`

	// CheckpointLoadGasCost is the assumed cost (in lookup effort) of
	// loading a checkpoint from the database. Nothing reads it:
	// AtOrBeforeGas returns any cached machine at or before the target as a
	// hit, even when a database checkpoint lies closer to the target.
	CheckpointLoadGasCost uint64 `koanf:"checkpoint-load-gas-cost"`

	// CheckpointMaxExecutionGas bounds how much replay AtOrBeforeGas (and
	// ExecutionCursor.AdvanceExecutionCursor) will accept before refusing
	// with cacheTooMuchExecution / ErrBusy. Zero disables the bound.
	CheckpointMaxExecutionGas uint64 `koanf:"checkpoint-max-execution-gas"`

	// LazyLoadCoreMachine defers loading referenced code segments for the
	// driver's own machine when loading from a checkpoint.
	LazyLoadCoreMachine bool `koanf:"lazy-load-core-machine"`

	// LazyLoadArchiveQueries defers code segment loads for read-only
	// historical machines (GetMachine, execution cursors).
	LazyLoadArchiveQueries bool `koanf:"lazy-load-archive-queries"`

	// SeedCacheOnStartup names the seed-cache startup mode. Core does not
	// read this field: the startup mode comes from InitOptions.Mode
	// (InitSeedCacheOnStartup, see ReorgToTimestampOrBefore), and that mode
	// does not load machines into the caches.
	SeedCacheOnStartup bool `koanf:"seed-cache-on-startup"`

	// SaveRocksdbInterval is the intended minimum wall-clock gap between
	// directory-level snapshots of the whole KV store. Core does not read
	// it and takes no periodic snapshots; Store.Checkpoint (Pebble's
	// DB.Checkpoint in kvstore) is only called by whoever calls it directly.
	SaveRocksdbInterval time.Duration `koanf:"save-db-interval"`

	// SaveRocksdbPath is the directory for those snapshots; like
	// SaveRocksdbInterval, Core does not read it.
	SaveRocksdbPath string `koanf:"save-db-path"`

	// Debug is registered as a flag for verbose startup/reorg logging;
	// no code reads it, so logging does not change with it.
	Debug bool `koanf:"debug"`

	// ProfileResetDBExceptInbox, ProfileReorgTo, ProfileRunUntil, and
	// ProfileLoadCount exist only to support benchmark harnesses; see
	// SPEC_FULL.md section 3.
	ProfileResetDBExceptInbox bool   `koanf:"profile-reset-db-except-inbox"`
	ProfileReorgTo            uint64 `koanf:"profile-reorg-to"`
	ProfileRunUntil           uint64 `koanf:"profile-run-until"`
	ProfileLoadCount          uint64 `koanf:"profile-load-count"`
}

// ConfigAddOptions registers pflag options for Config under prefix,
// mirroring InboxReaderConfigAddOptions's style.
func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Int(prefix+".message-process-count", DefaultConfig.MessageProcessCount, "number of inbox messages fed to the VM per batch")
	f.Uint64(prefix+".min-gas-checkpoint-frequency", DefaultConfig.MinGasCheckpointFrequency, "minimum arb gas between saved checkpoints")
	f.Uint64(prefix+".basic-machine-cache-interval", DefaultConfig.BasicMachineCacheInterval, "gas interval between basic machine cache insertions")
	f.Int(prefix+".basic-machine-cache-size", DefaultConfig.BasicMachineCacheSize, "number of entries kept in the basic machine cache")
	f.Int(prefix+".lru-machine-cache-size", DefaultConfig.LRUMachineCacheSize, "number of entries kept in the LRU machine cache")
	f.Duration(prefix+".timed-cache-expiration", DefaultConfig.TimedCacheExpiration, "wall-clock lifetime of sideload cache entries")
	f.Uint64(prefix+".checkpoint-load-gas-cost", DefaultConfig.CheckpointLoadGasCost, "assumed cost of loading a checkpoint from the database")
	f.Uint64(prefix+".checkpoint-max-execution-gas", DefaultConfig.CheckpointMaxExecutionGas, "maximum gas of replay allowed to reach a requested checkpoint")
	f.Bool(prefix+".lazy-load-core-machine", DefaultConfig.LazyLoadCoreMachine, "defer code segment loads for the driver's own machine")
	f.Bool(prefix+".lazy-load-archive-queries", DefaultConfig.LazyLoadArchiveQueries, "defer code segment loads for read-only historical machines")
	f.Bool(prefix+".seed-cache-on-startup", DefaultConfig.SeedCacheOnStartup, "seed caches from the stored checkpoints on startup without reorging")
	f.Duration(prefix+".save-db-interval", DefaultConfig.SaveRocksdbInterval, "minimum interval between on-disk database snapshots (0 disables)")
	f.String(prefix+".save-db-path", DefaultConfig.SaveRocksdbPath, "directory under which timestamped database snapshots are written")
	f.Bool(prefix+".debug", DefaultConfig.Debug, "enable verbose startup and reorg logging")
}

// DefaultConfig is used by production binaries.
var DefaultConfig = Config{
	MessageProcessCount:       100,
	MinGasCheckpointFrequency: 1_000_000,
	BasicMachineCacheInterval: 100_000,
	BasicMachineCacheSize:     20,
	LRUMachineCacheSize:       4,
	TimedCacheExpiration:      20 * time.Minute,
	CheckpointLoadGasCost:     1_000_000,
	CheckpointMaxExecutionGas: 1_000_000_000,
	LazyLoadCoreMachine:       false,
	LazyLoadArchiveQueries:    true,
	SeedCacheOnStartup:        false,
	SaveRocksdbInterval:       0,
	SaveRocksdbPath:           "",
	Debug:                     false,
}

// TestConfig is tuned for fast, deterministic unit tests: small caches,
// tight checkpoint spacing, no lazy loading (so bugs surface immediately
// instead of being masked by deferred loads).
var TestConfig = Config{
	MessageProcessCount:       10,
	MinGasCheckpointFrequency: 100,
	BasicMachineCacheInterval: 50,
	BasicMachineCacheSize:     8,
	LRUMachineCacheSize:       4,
	TimedCacheExpiration:      time.Minute,
	CheckpointLoadGasCost:     100,
	CheckpointMaxExecutionGas: 100_000,
	LazyLoadCoreMachine:       false,
	LazyLoadArchiveQueries:    false,
	SeedCacheOnStartup:        false,
	SaveRocksdbInterval:       0,
	SaveRocksdbPath:           "",
	Debug:                     false,
}
