package main

import "github.com/urfave/cli/v2"

// Flags shared by the "run" and "tower inspect" subcommands.
var (
	flagLedgerDir = &cli.StringFlag{
		Name:  "ledger-dir",
		Usage: "data directory backing the (in-memory, single-node) block store",
		Value: "ledger",
	}
	flagTowerPath = &cli.StringFlag{
		Name:  "tower-path",
		Usage: "local path for the durably-persisted Tower LevelDB store",
		Value: "tower",
	}
	flagWorkerPoolSize = &cli.IntFlag{
		Name:  "worker-pool-size",
		Usage: "configured batch-execution pool size (validated as > 0; not applied by the replayer)",
		Value: 4,
	}
	flagSwitchForkThreshold = &cli.Float64Flag{
		Name:  "switch-fork-threshold",
		Usage: "switch-fork stake fraction, range-checked only; the tower always applies its built-in 0.38 (0 = package default)",
		Value: 0,
	}
	flagLogLevel = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn, or error",
		Value: "info",
	}
	flagMetricsAddr = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "if set, expose internal/metrics over HTTP in Prometheus exposition format at this address",
	}
	flagIdentitySeed = &cli.StringFlag{
		Name:  "identity-seed",
		Usage: "hex-encoded 32-byte seed for the validator identity keypair (generated if empty)",
	}
	flagVoterSeed = &cli.StringFlag{
		Name:  "voter-seed",
		Usage: "hex-encoded 32-byte seed for the authorized-voter keypair (defaults to identity-seed)",
	}
	flagNumValidators = &cli.IntFlag{
		Name:  "devnet-validators",
		Usage: "number of additional stubbed peer validators in the single-node development cluster",
		Value: 3,
	}
	flagTicksPerSlot = &cli.Uint64Flag{
		Name:  "devnet-ticks-per-slot",
		Usage: "PoH ticks required to complete a block in the development cluster",
		Value: 4,
	}
	flagMaxSlot = &cli.Uint64Flag{
		Name:  "devnet-max-slot",
		Usage: "highest slot the development cluster's block producer will generate before stopping",
		Value: 64,
	}
	flagTickInterval = &cli.DurationFlag{
		Name:  "devnet-tick-interval",
		Usage: "wall-clock interval between produced PoH ticks in the development cluster",
		Value: 50_000_000, // 50ms, expressed in ns to avoid importing time here
	}
)
