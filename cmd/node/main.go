package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/internal/clock"
	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/internal/obs"
	"github.com/kagami-chain/kagami/params"
	"github.com/kagami-chain/kagami/pkg/blocksync"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/crypto/canonical"
	"github.com/kagami-chain/kagami/pkg/executor"
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/livequery"
	"github.com/kagami-chain/kagami/pkg/network"
	"github.com/kagami-chain/kagami/pkg/pipeline"
	"github.com/kagami-chain/kagami/pkg/queue"
	"github.com/kagami-chain/kagami/pkg/snapshot"
	"github.com/kagami-chain/kagami/pkg/sumeragi"
	"github.com/kagami-chain/kagami/pkg/torii"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

func main() {
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := obs.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("node_starting", "chain_id", cfg.Node.ChainID)

	kp, err := loadKeyPair(cfg.Node.PrivateKey)
	if err != nil {
		sugar.Fatalw("keypair", "err", err)
	}
	selfID := sumeragi.NodeID(cfg.Node.P2PAddress + "+" + kp.PublicKey().String())

	// ---- Storage ----
	idx, err := kura.OpenIndex(filepath.Join(cfg.Kura.BlockStorePath, "index"))
	if err != nil {
		sugar.Fatalw("kura_index", "err", err)
	}
	initMode := kura.Fast
	if cfg.Kura.InitMode == "strict" {
		initMode = kura.Strict
	}
	store, err := kura.Open(cfg.Kura.BlockStorePath, cfg.Kura.BlocksPerStorageFile, initMode, idx)
	if err != nil {
		sugar.Fatalw("kura_open", "err", err)
	}
	defer store.Close()

	// ---- World state ----
	world := wsv.New(cfg.Kura.ActorChannelCapacity)
	if cfg.Snapshot.Mode != "disabled" {
		snap, found, err := snapshot.LoadAndVerify(cfg.Snapshot.StoreDir, store)
		if err != nil {
			// a snapshot that disagrees with Kura is fatal before the
			// first commit so operators never run silently diverged
			sugar.Fatalw("snapshot_mismatch", "err", err)
		}
		if found {
			world.Restore(snap)
			sugar.Infow("snapshot_restored", "height", snap.Height)
		}
	}

	// ---- Mempool, sandbox, pipeline ----
	q := queue.New(queue.Config{
		Capacity:              cfg.Queue.Capacity,
		CapacityPerUser:       cfg.Queue.CapacityPerUser,
		TransactionTTLMillis:  uint64(cfg.Queue.TransactionTimeToLive.Milliseconds()),
		FutureThresholdMillis: cfg.Queue.FutureThreshold.Milliseconds(),
	}, clock.RealClock{})
	sandbox := executor.NewSandbox(cfg.Executor.FuelLimit, cfg.Executor.MaxMemoryBytes)
	pipe := pipeline.New(cfg.Node.ChainID, world, q, store, sandbox, clock.RealClock{}, sugar)
	pipe.Bootstrap()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// replay any blocks the snapshot missed, then seed genesis if empty
	if err := replay(ctx, pipe, world, store); err != nil {
		sugar.Fatalw("replay", "err", err)
	}
	if store.BlockCount() == 0 {
		if err := seedGenesis(ctx, pipe, cfg, sugar); err != nil {
			sugar.Fatalw("genesis", "err", err)
		}
	}

	// ---- Consensus ----
	peers, bootstrap, err := parseTrustedPeers(cfg.Node.TrustedPeers)
	if err != nil {
		sugar.Fatalw("trusted_peers", "err", err)
	}
	if len(peers) == 0 {
		peers = []sumeragi.Peer{{ID: selfID, PublicKey: kp.PublicKey()}}
	}
	topology := sumeragi.NewTopology(peers)
	state := sumeragi.NewState(selfID, topology)
	state.Height = world.Height()
	state.LatestBlockHash = world.LatestBlockHash()
	safety := sumeragi.NewSafety(state)
	pacemaker := sumeragi.NewPacemaker(sumeragi.PacemakerTimers{
		CommitTimeout:             cfg.Sumeragi.CommitTime,
		TransactionReceiptTimeout: cfg.Sumeragi.TxReceiptTimeLimit,
		BlockCreationTimeout:      cfg.Sumeragi.BlockCreationTimeLimit,
	}, clock.RealClock{})

	net, err := network.New(ctx, network.Config{
		ListenAddr: cfg.Node.P2PAddress,
		Bootstrap:  bootstrap,
		SelfID:     selfID,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("network", "err", err)
	}

	engine := sumeragi.NewEngine(state, safety, pacemaker, net, pipe, kp, sumeragi.Config{
		MaxTransactionsPerBlock: cfg.Sumeragi.MaxTransactionsPerBlock,
		MaxClockSkewMillis:      2000,
		BlockTime:               cfg.Sumeragi.BlockTime,
		DebugForceSoftFork:      cfg.Sumeragi.DebugForceSoftFork,
	})
	engine.Logger = sugar
	engine.OnFatal = func(f *errs.Fatal) {
		sugar.Errorw("fatal", "err", f)
		_ = logger.Sync()
		_ = store.Close()
		os.Exit(1)
	}

	syncer := blocksync.NewSyncer(blocksync.Config{
		GossipPeriod: cfg.BlockSync.GossipPeriod,
		BatchSize:    cfg.BlockSync.BatchSize,
	}, selfID, store, state, engine, net, sugar)

	// ---- Background services ----
	maker := snapshot.NewMaker(snapshot.Config{
		CreateEvery: cfg.Snapshot.CreateEvery,
		StoreDir:    cfg.Snapshot.StoreDir,
		Enabled:     cfg.Snapshot.Mode == "read-write",
	}, world, sugar)

	lq := livequery.NewStore(livequery.Config{
		Capacity:         cfg.LiveQueryStore.Capacity,
		CapacityPerUser:  cfg.LiveQueryStore.CapacityPerUser,
		IdleTime:         cfg.LiveQueryStore.IdleTime,
		DefaultFetchSize: 10,
	}, clock.RealClock{})

	api := torii.NewServer(torii.Config{
		Addr:           cfg.Node.APIAddress,
		AllowedOrigins: []string{"*"},
	}, q, world, lq, pipe, store, sugar)

	gossiper := &queue.Gossiper{
		Q:             q,
		Net:           net,
		Period:        cfg.BlockSync.GossipPeriod,
		BatchSize:     cfg.BlockSync.BatchSize,
		View:          world.View,
		SignatoriesOf: pipeline.SignatoriesOf,
		Log:           sugar,
	}

	go maker.Run(ctx)
	go lq.Run(ctx)
	go syncer.Run(ctx)
	go gossiper.Run(ctx)
	go func() {
		if err := api.Start(); err != nil {
			sugar.Errorw("torii_stopped", "err", err)
			cancel()
		}
	}()
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Errorw("consensus_stopped", "err", err)
			cancel()
		}
	}()

	// ---- Shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		sugar.Infow("shutting_down", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()
	time.Sleep(200 * time.Millisecond) // drain in-flight commits
	sugar.Infow("node_stopped", "height", world.Height())
}

// loadKeyPair parses an "<algorithm>:<hex>" private key, generating a
// fresh ed25519 pair when none is configured (devnet convenience).
func loadKeyPair(encoded string) (crypto.KeyPair, error) {
	if encoded == "" {
		return crypto.NewEd25519KeyPair()
	}
	algo, hexPart, ok := strings.Cut(encoded, ":")
	if !ok {
		return nil, fmt.Errorf("private key must be \"<algorithm>:<hex>\"")
	}
	if algo == "secp256k1" {
		return crypto.NewSecp256k1KeyPairFromHex(hexPart)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("private key hex: %w", err)
	}
	switch algo {
	case "ed25519":
		return crypto.NewEd25519KeyPairFromSeed(raw)
	case "bls_normal":
		return crypto.NewBLSKeyPair(raw, false), nil
	case "bls_small":
		return crypto.NewBLSKeyPair(raw, true), nil
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", algo)
	}
}

// parseTrustedPeers splits "<multiaddr>+<algorithm>:<hexpub>" entries
// into topology peers plus the multiaddrs used to bootstrap libp2p.
func parseTrustedPeers(entries []string) ([]sumeragi.Peer, []string, error) {
	var peers []sumeragi.Peer
	var bootstrap []string
	for _, entry := range entries {
		addr, keyPart, ok := strings.Cut(entry, "+")
		if !ok {
			return nil, nil, fmt.Errorf("trusted peer %q must be \"<multiaddr>+<public-key>\"", entry)
		}
		algo, hexPart, ok := strings.Cut(keyPart, ":")
		if !ok {
			return nil, nil, fmt.Errorf("trusted peer key %q must be \"<algorithm>:<hex>\"", keyPart)
		}
		raw, err := hex.DecodeString(hexPart)
		if err != nil {
			return nil, nil, fmt.Errorf("trusted peer key hex: %w", err)
		}
		var alg crypto.Algorithm
		switch algo {
		case "ed25519":
			alg = crypto.AlgorithmEd25519
		case "secp256k1":
			alg = crypto.AlgorithmSecp256k1
		case "bls_normal":
			alg = crypto.AlgorithmBLSNormal
		case "bls_small":
			alg = crypto.AlgorithmBLSSmall
		default:
			return nil, nil, fmt.Errorf("trusted peer algorithm %q unknown", algo)
		}
		peers = append(peers, sumeragi.Peer{ID: sumeragi.NodeID(entry), PublicKey: crypto.NewPublicKey(alg, raw)})
		bootstrap = append(bootstrap, addr)
	}
	return peers, bootstrap, nil
}

// replay applies any blocks Kura holds beyond the restored world-state
// height, bringing WSV back to the stored tip after a restart.
func replay(ctx context.Context, pipe *pipeline.Pipeline, world *wsv.WSV, store *kura.Store) error {
	for h := world.Height() + 1; h <= store.BlockCount(); h++ {
		b, ok := store.GetByHeight(h)
		if !ok {
			return fmt.Errorf("block %d indexed but unreadable", h)
		}
		if err := pipe.ApplyBlock(ctx, b); err != nil {
			return fmt.Errorf("replay height %d: %w", h, err)
		}
	}
	return nil
}

// seedGenesis installs height 1 on a completely empty store: from the
// block file named by GENESIS_FILE (the cmd/genesis output) when given,
// otherwise a minimal devnet genesis registering only the peer set.
func seedGenesis(ctx context.Context, pipe *pipeline.Pipeline, cfg params.Config, sugar *zap.SugaredLogger) error {
	if path := os.Getenv("GENESIS_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read genesis file: %w", err)
		}
		var b types.Block
		if err := canonical.Decode(raw, &b); err != nil {
			return fmt.Errorf("decode genesis file: %w", err)
		}
		sugar.Infow("genesis_loaded", "file", path, "transactions", len(b.Body.Transactions))
		return pipe.ApplyBlock(ctx, b)
	}

	instructions := make([]isi.Instruction, 0, len(cfg.Node.TrustedPeers))
	for _, p := range cfg.Node.TrustedPeers {
		instructions = append(instructions, isi.RegisterPeer{ID: wsv.PeerID(p)})
	}
	b, err := pipeline.NewGenesisBlock(cfg.Node.ChainID, "genesis@genesis", instructions, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	sugar.Infow("genesis_synthesized", "peers", len(cfg.Node.TrustedPeers))
	return pipe.ApplyBlock(ctx, b)
}
