// Package config defines the replay core's external configuration surface:
// a plain struct with a DefaultConfig constructor and a Validate method,
// plus a small mutex-protected holder for the one hot-swappable field.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/voteauth"
)

// MaxVoteRefreshInterval bounds how often a stale, unlanded vote
// transaction may be rebuilt with a fresh blockhash.
const MaxVoteRefreshInterval = 5000 * time.Millisecond

// NumConsecutiveLeaderSlots is the width of a leader's consecutive-slot
// window.
const NumConsecutiveLeaderSlots = 4

// NewDataWaitTimeout is the blocking-receive timeout the replay loop uses
// when no block completed this iteration.
const NewDataWaitTimeout = 100 * time.Millisecond

// MaxProcessingAge bounds how many slots behind the tip a vote transaction's
// recorded recent blockhash may lag before it is considered expired and in
// need of a refresh.
const MaxProcessingAge = 150

// ReplayConfig is the replay core's external configuration record, gathering
// the options the node's CLI surface resolves before
// constructing the loop.
type ReplayConfig struct {
	// VoteAccount is this validator's vote-account pubkey.
	VoteAccount coretypes.PublicKey

	// LedgerDir is the on-disk path passed to the block store (external
	// collaborator, not opened by this package).
	LedgerDir string

	// TowerPath is the local path for the durably-persisted Tower.
	TowerPath string

	// WorkerPoolSize is the configured size of the parallel batch-execution
	// pool. Validate requires it to be positive; the replayer does not read
	// it and does not bound its batch goroutines by it.
	WorkerPoolSize int

	// SwitchForkThreshold is a configured switch-fork stake fraction; 0
	// means "use the package default". Validate checks its range; the tower
	// does not read it and always applies tower.SwitchForkThreshold.
	SwitchForkThreshold float64

	// SwitchVoteUnlockSlot maps a cluster-type string ("mainnet",
	// "testnet", "devnet",...) to the slot at which switch votes unlock,
	// replacing a hard-coded per-cluster table with configuration.
	SwitchVoteUnlockSlot map[string]uint64

	// WaitForVoteToStartLeader gates leader-slot startup on having rooted
	// at least one of this validator's own votes.
	WaitForVoteToStartLeader bool

	// LogLevel is a slog-compatible level name ("debug", "info", "warn",
	// "error").
	LogLevel string

	// MetricsAddr, if non-empty, exposes internal/metrics over HTTP in
	// Prometheus exposition format.
	MetricsAddr string
}

// DefaultConfig returns a ReplayConfig with sensible defaults.
func DefaultConfig() ReplayConfig {
	return ReplayConfig{
		LedgerDir:                "ledger",
		TowerPath:                "tower.bin",
		WorkerPoolSize:           4,
		SwitchForkThreshold:      0.38,
		SwitchVoteUnlockSlot:     map[string]uint64{},
		WaitForVoteToStartLeader: true,
		LogLevel:                 "info",
	}
}

var (
	// ErrInvalidWorkerPoolSize is returned by Validate when WorkerPoolSize
	// is not positive.
	ErrInvalidWorkerPoolSize = errors.New("config: worker_pool_size must be > 0")
	// ErrInvalidSwitchForkThreshold is returned by Validate when
	// SwitchForkThreshold is outside (0, 1).
	ErrInvalidSwitchForkThreshold = errors.New("config: switch_fork_threshold must be in (0, 1)")
	// ErrMissingLedgerDir is returned by Validate when LedgerDir is empty.
	ErrMissingLedgerDir = errors.New("config: ledger_dir must not be empty")
	// ErrMissingTowerPath is returned by Validate when TowerPath is empty.
	ErrMissingTowerPath = errors.New("config: tower_path must not be empty")
)

// Validate checks the configuration's constraints, rejecting an unusable
// configuration before the node starts any service.
func (c ReplayConfig) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return ErrInvalidWorkerPoolSize
	}
	if c.LedgerDir == "" {
		return ErrMissingLedgerDir
	}
	if c.TowerPath == "" {
		return ErrMissingTowerPath
	}
	if c.SwitchForkThreshold != 0 && (c.SwitchForkThreshold <= 0 || c.SwitchForkThreshold >= 1) {
		return fmt.Errorf("%w: got %f", ErrInvalidSwitchForkThreshold, c.SwitchForkThreshold)
	}
	return nil
}

// KeypairHolder is a mutex-protected holder for the one hot-swappable
// configuration field, AuthorizedVoterKeypairs.
type KeypairHolder struct {
	mu       sync.RWMutex
	keypairs voteauth.Keypairs
}

// NewKeypairHolder creates a holder seeded with an initial keypair set.
func NewKeypairHolder(initial voteauth.Keypairs) *KeypairHolder {
	return &KeypairHolder{keypairs: initial}
}

// Get returns the current keypair set.
func (h *KeypairHolder) Get() voteauth.Keypairs {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.keypairs
}

// Set hot-swaps the keypair set, e.g. in response to an authorized-voter
// rotation signal from the node's RPC surface.
func (h *KeypairHolder) Set(kp voteauth.Keypairs) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keypairs = kp
}
