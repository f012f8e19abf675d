// file: pkg/snapshot/config.go
package snapshot

import "time"

// Config is a write frequency and a store directory. Mode collapses to
// a bool: the only snapshot consumer (cmd/node) either runs the maker
// or doesn't, with no separate read-only archival role.
type Config struct {
	CreateEvery time.Duration
	StoreDir    string
	Enabled     bool
}

func DefaultConfig() Config {
	return Config{CreateEvery: 10 * time.Minute, StoreDir: "data/snapshot", Enabled: true}
}
