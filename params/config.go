// Package params holds the node's static configuration: one struct
// field per recognized option, loaded from a .env file and overridden
// by environment variables (priority: ENV > .env file > defaults).
package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	ChainID    string
	PublicKey  string // multi-hash "<algorithm>:<hex>"
	PrivateKey string
	P2PAddress string
	APIAddress string
	// TrustedPeers is the initial topology, "<address>+<public-key>"
	// entries; duplicates are rejected on load.
	TrustedPeers   []string
	LogFile        string
	VerboseLogging bool
}

type Kura struct {
	BlockStorePath       string
	BlocksPerStorageFile int
	InitMode             string // "strict" or "fast"
	ActorChannelCapacity int
}

type Sumeragi struct {
	BlockTime               time.Duration
	CommitTime              time.Duration
	TxReceiptTimeLimit      time.Duration
	BlockCreationTimeLimit  time.Duration
	MaxTransactionsPerBlock int
	DebugForceSoftFork      bool
}

type Queue struct {
	Capacity              int
	CapacityPerUser       int
	TransactionTimeToLive time.Duration
	FutureThreshold       time.Duration
}

type Executor struct {
	FuelLimit      uint64
	MaxMemoryBytes uint64
}

type Snapshot struct {
	Mode        string // "read-write", "read-only", "disabled"
	CreateEvery time.Duration
	StoreDir    string
}

type BlockSync struct {
	GossipPeriod time.Duration
	BatchSize    int
}

type LiveQueryStore struct {
	Capacity        int
	CapacityPerUser int
	IdleTime        time.Duration
}

type Config struct {
	Node           Node
	Kura           Kura
	Sumeragi       Sumeragi
	Queue          Queue
	Executor       Executor
	Snapshot       Snapshot
	BlockSync      BlockSync
	LiveQueryStore LiveQueryStore
}

func Default() Config {
	return Config{
		Node: Node{
			ChainID:    "kagami-devnet",
			P2PAddress: "/ip4/0.0.0.0/tcp/9000",
			APIAddress: ":8080",
			LogFile:    "data/node.log",
		},
		Kura: Kura{
			BlockStorePath:       "data/blocks",
			BlocksPerStorageFile: 1000,
			InitMode:             "fast",
			ActorChannelCapacity: 128,
		},
		Sumeragi: Sumeragi{
			BlockTime:               1 * time.Second,
			CommitTime:              2 * time.Second,
			TxReceiptTimeLimit:      500 * time.Millisecond,
			BlockCreationTimeLimit:  1 * time.Second,
			MaxTransactionsPerBlock: 512,
		},
		Queue: Queue{
			Capacity:              65536,
			CapacityPerUser:       256,
			TransactionTimeToLive: 24 * time.Hour,
			FutureThreshold:       1 * time.Second,
		},
		Executor: Executor{
			FuelLimit:      10_000_000,
			MaxMemoryBytes: 64 << 20,
		},
		Snapshot: Snapshot{
			Mode:        "read-write",
			CreateEvery: 60 * time.Second,
			StoreDir:    "data",
		},
		BlockSync: BlockSync{
			GossipPeriod: 10 * time.Second,
			BatchSize:    32,
		},
		LiveQueryStore: LiveQueryStore{
			Capacity:        128,
			CapacityPerUser: 8,
			IdleTime:        30 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Returns an error only for values that are
// present but unusable (duplicate trusted peers, unknown enum values).
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	envStr("CHAIN_ID", &cfg.Node.ChainID)
	envStr("PUBLIC_KEY", &cfg.Node.PublicKey)
	envStr("PRIVATE_KEY", &cfg.Node.PrivateKey)
	envStr("P2P_ADDRESS", &cfg.Node.P2PAddress)
	envStr("API_ADDRESS", &cfg.Node.APIAddress)
	envStr("LOG_FILE", &cfg.Node.LogFile)
	envBool("VERBOSE_LOGGING", &cfg.Node.VerboseLogging)
	if peers := os.Getenv("TRUSTED_PEERS"); peers != "" {
		cfg.Node.TrustedPeers = strings.Split(peers, ",")
	}
	if err := rejectDuplicatePeers(cfg.Node.TrustedPeers); err != nil {
		return cfg, err
	}

	envStr("KURA_BLOCK_STORE_PATH", &cfg.Kura.BlockStorePath)
	envInt("KURA_BLOCKS_PER_STORAGE_FILE", &cfg.Kura.BlocksPerStorageFile)
	envStr("KURA_INIT_MODE", &cfg.Kura.InitMode)
	envInt("KURA_ACTOR_CHANNEL_CAPACITY", &cfg.Kura.ActorChannelCapacity)
	if cfg.Kura.InitMode != "strict" && cfg.Kura.InitMode != "fast" {
		return cfg, &InvalidOptionError{Option: "KURA_INIT_MODE", Value: cfg.Kura.InitMode}
	}

	envDur("SUMERAGI_BLOCK_TIME_MS", &cfg.Sumeragi.BlockTime)
	envDur("SUMERAGI_COMMIT_TIME_MS", &cfg.Sumeragi.CommitTime)
	envDur("SUMERAGI_TX_RECEIPT_TIME_LIMIT_MS", &cfg.Sumeragi.TxReceiptTimeLimit)
	envDur("SUMERAGI_BLOCK_CREATION_TIME_LIMIT_MS", &cfg.Sumeragi.BlockCreationTimeLimit)
	envInt("SUMERAGI_MAX_TRANSACTIONS_PER_BLOCK", &cfg.Sumeragi.MaxTransactionsPerBlock)
	envBool("SUMERAGI_DEBUG_FORCE_SOFT_FORK", &cfg.Sumeragi.DebugForceSoftFork)

	envInt("QUEUE_CAPACITY", &cfg.Queue.Capacity)
	envInt("QUEUE_CAPACITY_PER_USER", &cfg.Queue.CapacityPerUser)
	envDur("QUEUE_TRANSACTION_TIME_TO_LIVE_MS", &cfg.Queue.TransactionTimeToLive)
	envDur("QUEUE_FUTURE_THRESHOLD_MS", &cfg.Queue.FutureThreshold)

	envUint64("EXECUTOR_FUEL_LIMIT", &cfg.Executor.FuelLimit)
	envUint64("EXECUTOR_MAX_MEMORY_BYTES", &cfg.Executor.MaxMemoryBytes)

	envStr("SNAPSHOT_MODE", &cfg.Snapshot.Mode)
	envDur("SNAPSHOT_CREATE_EVERY_MS", &cfg.Snapshot.CreateEvery)
	envStr("SNAPSHOT_STORE_DIR", &cfg.Snapshot.StoreDir)
	switch cfg.Snapshot.Mode {
	case "read-write", "read-only", "disabled":
	default:
		return cfg, &InvalidOptionError{Option: "SNAPSHOT_MODE", Value: cfg.Snapshot.Mode}
	}

	envDur("BLOCK_SYNC_GOSSIP_PERIOD_MS", &cfg.BlockSync.GossipPeriod)
	envInt("BLOCK_SYNC_BATCH_SIZE", &cfg.BlockSync.BatchSize)

	envInt("LIVE_QUERY_STORE_CAPACITY", &cfg.LiveQueryStore.Capacity)
	envInt("LIVE_QUERY_STORE_CAPACITY_PER_USER", &cfg.LiveQueryStore.CapacityPerUser)
	envDur("LIVE_QUERY_STORE_IDLE_TIME_MS", &cfg.LiveQueryStore.IdleTime)

	return cfg, nil
}

type InvalidOptionError struct {
	Option string
	Value  string
}

func (e *InvalidOptionError) Error() string {
	return "params: invalid value " + strconv.Quote(e.Value) + " for " + e.Option
}

type DuplicatePeerError struct{ Peer string }

func (e *DuplicatePeerError) Error() string {
	return "params: duplicate trusted peer " + strconv.Quote(e.Peer)
}

func rejectDuplicatePeers(peers []string) error {
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if _, dup := seen[p]; dup {
			return &DuplicatePeerError{Peer: p}
		}
		seen[p] = struct{}{}
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envUint64(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// envDur reads a millisecond count, the unit every *_MS option uses.
func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
