package mgtr

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config carries every parameter fixed at database creation or supplied
// when reopening an existing one (spec.md §6.3). Build one with
// DefaultConfig and the With... mutators rather than a literal, the way
// bitdb's WithRolloverThreshold/WithFsync options are composed.
type Config struct {
	// SegmentSize is the fixed per-segment byte size. Immutable once a
	// database is created; OpenExisting rejects a mismatch.
	SegmentSize int64

	// TransactionsPerFile is the WAL rotation threshold: a file is sealed
	// after this many commit/rollback terminators.
	TransactionsPerFile int

	// WALDir is the directory holding the rotating .tlog files. Defaults
	// to "<database path>.wal".
	WALDir string
	// WALPrefix/WALSuffix name WAL files as "<prefix>N<suffix>".
	WALPrefix string
	WALSuffix string

	Logger     *zap.SugaredLogger
	Registerer prometheus.Registerer
}

// Option mutates a Config in place, bitdb's functional-option shape.
type Option func(*Config)

// DefaultConfig returns the configuration spec.md §6.3 enumerates as
// defaults: a 1 MiB segment, rotation every 5 transactions.
func DefaultConfig() Config {
	return Config{
		SegmentSize:         1 << 20,
		TransactionsPerFile: 5,
		WALPrefix:           "a0",
		WALSuffix:           ".tlog",
	}
}

// WithSegmentSize overrides the per-segment byte size.
func WithSegmentSize(n int64) Option {
	return func(c *Config) { c.SegmentSize = n }
}

// WithTransactionsPerFile overrides the WAL rotation threshold.
func WithTransactionsPerFile(n int) Option {
	return func(c *Config) { c.TransactionsPerFile = n }
}

// WithWALDir overrides where rotating log files are stored.
func WithWALDir(dir string) Option {
	return func(c *Config) { c.WALDir = dir }
}

// WithWALNaming overrides the "<prefix>N<suffix>" WAL filename scheme.
func WithWALNaming(prefix, suffix string) Option {
	return func(c *Config) { c.WALPrefix, c.WALSuffix = prefix, suffix }
}

// WithLogger injects a structured logger; nil falls back to zap.NewNop.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRegisterer injects a Prometheus registerer for the database's
// metrics; nil falls back to a private prometheus.NewRegistry().
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = r }
}
