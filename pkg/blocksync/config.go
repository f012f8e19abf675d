// file: pkg/blocksync/config.go
package blocksync

import "time"

// Config carries the sync protocol's two tunables: how often the local
// tip is gossiped, and how many blocks one response may carry.
type Config struct {
	GossipPeriod time.Duration
	BatchSize    int
}

func DefaultConfig() Config {
	return Config{GossipPeriod: 10 * time.Second, BatchSize: 4}
}
