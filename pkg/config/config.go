/*
Package config loads the settings one enclave process is constructed
from: shard count, index bucket/stripe counts, buffer budget, and the
enclave's UID. A plain struct of scalars handed to a
constructor, generalized into a YAML-backed file since a single enclave
process has no cluster-join flags to bind from the command line.
*/
package config

import (
	"fmt"
	"os"

	"github.com/cuemby/enclavedb/pkg/index"
	"gopkg.in/yaml.v3"
)

// Config carries every tunable enclave.New needs to wire up its
// subsystems. Zero-value fields are filled from Default() by Load.
type Config struct {
	// UID identifies this enclave instance. enclave.New derives the
	// page-sealing master key from it, so pages sealed under one UID
	// open only in an enclave configured with the same UID.
	UID string `yaml:"uid"`

	// DataDir holds the bbolt page-store file when Store is "bolt". It
	// is ignored for the in-memory store.
	DataDir string `yaml:"data_dir"`

	// Store selects the page-store backend: "memory" or "bolt".
	Store string `yaml:"store"`

	NumShards uint16 `yaml:"num_shards"`

	PrimaryBuckets int `yaml:"primary_buckets"`
	IndexStripes   int `yaml:"index_stripes"`

	// SecondaryBuckets sizes every secondary index created through
	// CreateIndex; a collection may have several, but they all share
	// this bucket count.
	SecondaryBuckets int `yaml:"secondary_buckets"`

	// BufferStripeBudget is the per-stripe byte budget before the
	// buffer manager starts evicting.
	BufferStripeBudget int64 `yaml:"buffer_stripe_budget_bytes"`

	// BlockBytesThreshold caps the serialized size (in bytes) of a
	// ledger block's events before it is sealed and rotated.
	BlockBytesThreshold int `yaml:"block_bytes_threshold"`
}

// Default returns conservative defaults for a single-process deployment:
// 20 shards, 8192 buckets, 64 index stripes, a ~5KiB block threshold.
func Default() Config {
	return Config{
		UID:                 "enclave",
		Store:               "memory",
		NumShards:           20,
		PrimaryBuckets:      index.DefaultNumBuckets,
		IndexStripes:        index.DefaultNumStripes,
		SecondaryBuckets:    index.DefaultNumBuckets,
		BufferStripeBudget:  64 << 20,
		BlockBytesThreshold: 5120,
	}
}

// Load reads a YAML config file at path, overlaying it onto Default()
// so an operator only needs to specify the fields they want to change.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports whether cfg's values are usable by enclave.New.
func (cfg Config) Validate() error {
	if cfg.NumShards == 0 {
		return fmt.Errorf("config: num_shards must be positive")
	}
	if cfg.PrimaryBuckets <= 0 {
		return fmt.Errorf("config: primary_buckets must be positive")
	}
	if cfg.IndexStripes <= 0 {
		return fmt.Errorf("config: index_stripes must be positive")
	}
	if cfg.Store != "memory" && cfg.Store != "bolt" {
		return fmt.Errorf("config: store must be %q or %q, got %q", "memory", "bolt", cfg.Store)
	}
	if cfg.Store == "bolt" && cfg.DataDir == "" {
		return fmt.Errorf("config: data_dir is required for the bolt store")
	}
	return nil
}
