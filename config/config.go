package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bitchase/bitchase/types"
)

const (
	// DefaultDirName is the default subdirectory under the home directory.
	DefaultDirName = ".bitchase"

	defaultConfigFileName = "config.toml"
	defaultDataDir        = "data"
)

// Config defines the top-level configuration of the daemon.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	Node    *NodeConfig    `mapstructure:"node"`
	Bitcoin *BitcoinConfig `mapstructure:"bitcoin"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		Node:       DefaultNodeConfig(),
		Bitcoin:    DefaultBitcoinConfig(),
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.Node.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [node] section: %w", err)
	}
	if err := cfg.Bitcoin.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [bitcoin] section: %w", err)
	}
	return nil
}

// SetRoot sets the RootDir for all config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

//-----------------------------------------------------------------------------

// BaseConfig defines the base configuration of the daemon.
type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home"`

	// Output level and format for logging.
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	// Database backend: goleveldb | memdb.
	DBBackend string `mapstructure:"db-backend"`

	// Database directory.
	DBPath string `mapstructure:"db-dir"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  "info",
		LogFormat: "plain",
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return filepath.Join(cfg.RootDir, cfg.DBPath)
}

//-----------------------------------------------------------------------------

// NodeConfig defines the coordination core's tunables.
type NodeConfig struct {
	// Maximum number of hashes handed to one channel per download unit.
	MaximumInventory int `mapstructure:"maximum-inventory"`

	// Out-of-order announcements are tolerated while a channel's count of
	// them stays below this number; the one that reaches it drops the
	// channel for protocol violation.
	MaximumAdvertisement int `mapstructure:"maximum-advertisement"`

	// Wall-clock window within which a header is considered current. Zero
	// disables the currency test.
	CurrencyWindowMinutes int `mapstructure:"currency-window-minutes"`

	// Per-channel performance measurement.
	ReportPerformance          bool    `mapstructure:"report-performance"`
	PerformanceIntervalSeconds int     `mapstructure:"performance-interval-seconds"`
	MinimumByteRate            float64 `mapstructure:"minimum-byte-rate"`
	RateAlpha                  float64 `mapstructure:"rate-alpha"`
	SlowWindows                int     `mapstructure:"slow-windows"`
	StallWindows               int     `mapstructure:"stall-windows"`

	// Minimum registered channels before a stalled split is attempted.
	MinimumForStallDivide int `mapstructure:"minimum-for-stall-divide"`

	// Request witness blocks from witness-enabled channels.
	WitnessRelay bool `mapstructure:"witness-relay"`

	// Peers at or above this version get a sendheaders announcement.
	SendHeadersVersion uint32 `mapstructure:"send-headers-version"`
}

// DefaultNodeConfig returns a default node configuration.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		MaximumInventory:           8000,
		MaximumAdvertisement:       10,
		CurrencyWindowMinutes:      60,
		ReportPerformance:          true,
		PerformanceIntervalSeconds: 10,
		MinimumByteRate:            1024,
		RateAlpha:                  0.25,
		SlowWindows:                3,
		StallWindows:               2,
		MinimumForStallDivide:      2,
		WitnessRelay:               true,
		SendHeadersVersion:         70012,
	}
}

// ValidateBasic performs basic validation.
func (cfg *NodeConfig) ValidateBasic() error {
	if cfg.MaximumInventory <= 0 {
		return errors.New("maximum-inventory must be positive")
	}
	if cfg.PerformanceIntervalSeconds <= 0 {
		return errors.New("performance-interval-seconds must be positive")
	}
	if cfg.MinimumForStallDivide < 2 {
		return errors.New("minimum-for-stall-divide must be at least 2")
	}
	return nil
}

// PerformanceInterval returns the performance timer period.
func (cfg *NodeConfig) PerformanceInterval() time.Duration {
	return time.Duration(cfg.PerformanceIntervalSeconds) * time.Second
}

// CurrencyWindow returns the configured currency window.
func (cfg *NodeConfig) CurrencyWindow() time.Duration {
	return time.Duration(cfg.CurrencyWindowMinutes) * time.Minute
}

// UseCurrencyWindow reports whether the currency test is enabled.
func (cfg *NodeConfig) UseCurrencyWindow() bool {
	return cfg.CurrencyWindowMinutes > 0
}

//-----------------------------------------------------------------------------

// Checkpoint is a hardcoded height/hash pair that must match.
type Checkpoint struct {
	Height uint64
	Hash   chainhash.Hash
}

// BitcoinConfig defines the consensus-adjacent settings consumed by the
// pipeline. The fork flag bits and minimum versions are opaque numbers
// derived from the schedule here.
type BitcoinConfig struct {
	// Compact form of the proof-of-work limit.
	PowLimitBits uint32 `mapstructure:"pow-limit-bits"`

	// Tolerated future drift of header timestamps.
	TimestampLimitSeconds int `mapstructure:"timestamp-limit-seconds"`

	// Minimum cumulative branch work for storability, as a hex string.
	MinimumWork string `mapstructure:"minimum-work"`

	// Milestone: configured height/hash under which validation cost may be
	// bypassed. Empty hash disables it.
	MilestoneHeight uint64 `mapstructure:"milestone-height"`
	MilestoneHash   string `mapstructure:"milestone-hash"`

	// Checkpoints as "height:hash" entries.
	Checkpoints []string `mapstructure:"checkpoints"`

	// Subsidy schedule.
	SubsidyIntervalBlocks uint64 `mapstructure:"subsidy-interval-blocks"`
	InitialSubsidy        int64  `mapstructure:"initial-subsidy"`

	// Version floors by activation height.
	Version2Height uint64 `mapstructure:"version2-height"`
	Version3Height uint64 `mapstructure:"version3-height"`
	Version4Height uint64 `mapstructure:"version4-height"`

	// Additional fork flag activation heights, in bit order.
	FlagHeights []uint64 `mapstructure:"flag-heights"`
}

// DefaultBitcoinConfig returns mainnet-shaped defaults.
func DefaultBitcoinConfig() *BitcoinConfig {
	return &BitcoinConfig{
		PowLimitBits:          0x1d00ffff,
		TimestampLimitSeconds: 2 * 60 * 60,
		MinimumWork:           "000000000000000000000000000000000000000052b2559353df4117b7348b64",
		SubsidyIntervalBlocks: 210000,
		InitialSubsidy:        50 * 1e8,
		Version2Height:        227931,
		Version3Height:        363725,
		Version4Height:        388381,
		FlagHeights:           []uint64{227931, 363725, 388381, 419328, 481824},
	}
}

// ValidateBasic performs basic validation.
func (cfg *BitcoinConfig) ValidateBasic() error {
	if cfg.PowLimitBits == 0 {
		return errors.New("pow-limit-bits must be set")
	}
	if _, err := cfg.MinWork(); err != nil {
		return err
	}
	if _, err := cfg.CheckpointList(); err != nil {
		return err
	}
	if cfg.MilestoneHash != "" {
		if _, err := chainhash.NewHashFromStr(cfg.MilestoneHash); err != nil {
			return fmt.Errorf("invalid milestone-hash: %w", err)
		}
	}
	return nil
}

// PowLimit returns the proof-of-work limit as a big integer target.
func (cfg *BitcoinConfig) PowLimit() *big.Int {
	return blockchain.CompactToBig(cfg.PowLimitBits)
}

// TimestampLimit returns the tolerated future drift.
func (cfg *BitcoinConfig) TimestampLimit() time.Duration {
	return time.Duration(cfg.TimestampLimitSeconds) * time.Second
}

// MinWork parses the minimum cumulative work.
func (cfg *BitcoinConfig) MinWork() (*big.Int, error) {
	if cfg.MinimumWork == "" {
		return new(big.Int), nil
	}
	raw, err := hex.DecodeString(cfg.MinimumWork)
	if err != nil {
		return nil, fmt.Errorf("invalid minimum-work: %w", err)
	}
	return new(big.Int).SetBytes(raw), nil
}

// Milestone returns the configured milestone; ok is false when disabled.
func (cfg *BitcoinConfig) Milestone() (Checkpoint, bool) {
	if cfg.MilestoneHash == "" {
		return Checkpoint{}, false
	}
	hash, err := chainhash.NewHashFromStr(cfg.MilestoneHash)
	if err != nil {
		return Checkpoint{}, false
	}
	return Checkpoint{Height: cfg.MilestoneHeight, Hash: *hash}, true
}

// CheckpointList parses the checkpoint entries.
func (cfg *BitcoinConfig) CheckpointList() ([]Checkpoint, error) {
	out := make([]Checkpoint, 0, len(cfg.Checkpoints))
	for _, entry := range cfg.Checkpoints {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid checkpoint %q", entry)
		}
		height, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid checkpoint height %q: %w", entry, err)
		}
		hash, err := chainhash.NewHashFromStr(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid checkpoint hash %q: %w", entry, err)
		}
		out = append(out, Checkpoint{Height: height, Hash: *hash})
	}
	return out, nil
}

// ForkSchedule derives the opaque flag/version schedule.
func (cfg *BitcoinConfig) ForkSchedule() types.ForkSchedule {
	return types.ForkSchedule{
		FlagHeights:    cfg.FlagHeights,
		Version2Height: cfg.Version2Height,
		Version3Height: cfg.Version3Height,
		Version4Height: cfg.Version4Height,
	}
}

//-----------------------------------------------------------------------------

// IsCheckpointConflict reports whether the hash conflicts with a checkpoint
// at the height.
func IsCheckpointConflict(list []Checkpoint, hash chainhash.Hash, height uint64) bool {
	for _, cp := range list {
		if cp.Height == height {
			return cp.Hash != hash
		}
	}
	return false
}

// IsAtCheckpoint reports whether the height is exactly checkpointed.
func IsAtCheckpoint(list []Checkpoint, height uint64) bool {
	for _, cp := range list {
		if cp.Height == height {
			return true
		}
	}
	return false
}

// IsUnderCheckpoint reports whether the height is at or below the top
// checkpoint.
func IsUnderCheckpoint(list []Checkpoint, height uint64) bool {
	for _, cp := range list {
		if height <= cp.Height {
			return true
		}
	}
	return false
}
