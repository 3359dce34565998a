package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/lumenlabs/validator-core/internal/config"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/log"
	"github.com/lumenlabs/validator-core/internal/metrics"
	"github.com/lumenlabs/validator-core/internal/replayloop"
	"github.com/lumenlabs/validator-core/internal/tower"
	"github.com/lumenlabs/validator-core/internal/voteauth"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start the replay loop against a single-node development cluster",
	Flags: []cli.Flag{
		flagLedgerDir, flagTowerPath, flagWorkerPoolSize, flagSwitchForkThreshold,
		flagLogLevel, flagMetricsAddr, flagIdentitySeed, flagVoterSeed,
		flagNumValidators, flagTicksPerSlot, flagMaxSlot, flagTickInterval,
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	level, err := parseLogLevel(c.String(flagLogLevel.Name))
	if err != nil {
		return err
	}
	logger := log.New(level)
	mainLog := logger.Module("cmd")

	cfg := config.DefaultConfig()
	cfg.LedgerDir = c.String(flagLedgerDir.Name)
	cfg.TowerPath = c.String(flagTowerPath.Name)
	cfg.WorkerPoolSize = c.Int(flagWorkerPoolSize.Name)
	cfg.SwitchForkThreshold = c.Float64(flagSwitchForkThreshold.Name)
	cfg.LogLevel = c.String(flagLogLevel.Name)
	cfg.MetricsAddr = c.String(flagMetricsAddr.Name)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	identitySigner, err := resolveSigner(c.String(flagIdentitySeed.Name))
	if err != nil {
		return fmt.Errorf("identity keypair: %w", err)
	}
	voterSeed := c.String(flagVoterSeed.Name)
	if voterSeed == "" {
		voterSeed = c.String(flagIdentitySeed.Name)
	}
	voterSigner, err := resolveSigner(voterSeed)
	if err != nil {
		return fmt.Errorf("authorized-voter keypair: %w", err)
	}

	identity := identitySigner.Pubkey()
	voteAccount := voterSigner.Pubkey()
	cfg.VoteAccount = voteAccount

	mets := metrics.NewRegistry()
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(mets, "replay_core"))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				mainLog.Error("metrics server stopped", "err", err)
			}
		}()
		mainLog.Info("metrics exposed", "addr", cfg.MetricsAddr)
	}

	towerStore, err := tower.OpenStore(cfg.TowerPath)
	if err != nil {
		return fmt.Errorf("open tower store: %w", err)
	}
	defer towerStore.Close()

	tw, err := towerStore.Load()
	if err != nil {
		return fmt.Errorf("load tower: %w", err)
	}
	if tw == nil {
		tw = tower.New()
		mainLog.Info("no persisted tower found, starting fresh")
	}

	cluster := newDevnetCluster(
		identity,
		voteAccount,
		c.Uint64(flagTicksPerSlot.Name),
		c.Int(flagNumValidators.Name),
		coretypes.Slot(c.Uint64(flagMaxSlot.Name)),
	)

	deps := replayloop.Dependencies{
		Store:             cluster.store,
		BankFactory:       cluster.bankFactory,
		LeaderSchedule:    cluster.leaders,
		ClusterInfo:       newLoggingClusterInfo(identity, logger),
		TowerStore:        towerStore,
		VoteAccountPubkey: voteAccount,
		VoteKeypairs: voteauth.Keypairs{
			Identity: identitySigner,
			AuthorizedVoters: map[coretypes.PublicKey]voteauth.Signer{
				voterSigner.Pubkey(): voterSigner,
			},
		},
		BlockProduction: replayloop.NewNoopBlockProductionClock(),
	}

	loop := replayloop.New(deps, cfg, logger, mets, cluster.genesisID, cluster.genesis, tw)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cluster.runProducer(ctx, logger, c.Duration(flagTickInterval.Name))

	mainLog.Info("replay loop starting", "identity", identity.String(), "vote_account", voteAccount.String())
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("replay loop exited: %w", err)
	}
	mainLog.Info("replay loop stopped")
	return nil
}

// resolveSigner builds a KeypairSigner from a hex-encoded 32-byte seed, or
// generates a fresh one if seedHex is empty.
func resolveSigner(seedHex string) (*voteauth.KeypairSigner, error) {
	if seedHex == "" {
		return voteauth.GenerateKeypairSigner()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return voteauth.NewKeypairSigner(seed)
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
