// liquidator runs the real-time candidate pipeline: Clock & Block Feed
// through the Fast-Path Executor, wired by the Orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/fenwick-labs/liquidator/budget"
	"github.com/fenwick-labs/liquidator/candidate"
	"github.com/fenwick-labs/liquidator/clock"
	"github.com/fenwick-labs/liquidator/config"
	"github.com/fenwick-labs/liquidator/decode"
	"github.com/fenwick-labs/liquidator/dirty"
	"github.com/fenwick-labs/liquidator/executor"
	"github.com/fenwick-labs/liquidator/fee"
	"github.com/fenwick-labs/liquidator/iface/ifacetest"
	"github.com/fenwick-labs/liquidator/logging"
	liqmetrics "github.com/fenwick-labs/liquidator/metrics/prometheus"
	"github.com/fenwick-labs/liquidator/missclass"
	"github.com/fenwick-labs/liquidator/orchestrator"
	"github.com/fenwick-labs/liquidator/queue"
	"github.com/fenwick-labs/liquidator/signal"
	"github.com/fenwick-labs/liquidator/telemetry"
	"github.com/fenwick-labs/liquidator/verifier"
)

const clientIdentifier = "liquidator"

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "real-time candidate pipeline for Aave-v3-shaped liquidations",
	Version: "0.1.0",
}

func init() {
	fs := pflag.NewFlagSet(clientIdentifier, pflag.ContinueOnError)
	config.BindFlags(fs)

	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "load configuration and start the Orchestrator loop",
			Action: func(c *cli.Context) error {
				return run(c.Context)
			},
		},
	}
	app.Before = func(ctx *cli.Context) error {
		_, err := logging.Setup(logging.Options{Level: slog.LevelInfo})
		return err
	}
}

func main() {
	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the full pipeline and drains the block feed until ctx is
// cancelled. The chain collaborators (oracle, reserve reader, tx sender,
// block feed) are in-memory stubs here; a real deployment supplies its
// own iface implementations and calls orchestrator.New directly, per the
// "no general-purpose RPC abstraction" non-goal.
func run(ctx context.Context) error {
	v := viper.New()
	v.SetEnvPrefix("liquidator")
	v.AutomaticEnv()
	fs := pflag.NewFlagSet(clientIdentifier, pflag.ContinueOnError)
	config.BindFlags(fs)
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	sink := telemetry.New(log.Root(), reg)
	clk := clock.New()

	oracle := ifacetest.NewOracle()
	reserves := ifacetest.NewReserveReader()
	sender := ifacetest.NewSender()

	store := candidate.New(50_000, reg)
	dirtySet := dirty.New(dirty.Config{TTL: cfg.Misc.TTLDirty}, clk.Now, sink)
	dec := decode.New(decode.DefaultTopics())

	verifierCfg := verifier.DefaultConfig()
	verifierCfg.QBlock, verifierCfg.CBlock = cfg.Verifier.QBlock, cfg.Verifier.CBlock
	verifierCfg.IMin, verifierCfg.DUser = cfg.Verifier.IMin, cfg.Verifier.DUser
	verifierCfg.CacheTTL, verifierCfg.BatchSize = cfg.Verifier.TCache, cfg.Verifier.BBatch
	verifierCfg.NearBandEps = config.ScaledHF(cfg.Verifier.EpsBand)
	if cfg.Verifier.MinDebtBase > 0 {
		verifierCfg.MinDebtBase = uint256.NewInt(cfg.Verifier.MinDebtBase)
	}
	v6 := verifier.New(oracle, verifierCfg, sink)

	tiersCfg := queue.DefaultTiersConfig()
	tiersCfg.HHot, tiersCfg.HWarm = config.ScaledHF(cfg.Queues.HHot), config.ScaledHF(cfg.Queues.HWarm)
	tiersCfg.MaxHot, tiersCfg.MaxWarm = cfg.Queues.MaxHot, cfg.Queues.MaxWarm
	if cfg.Queues.MinDebtBase > 0 {
		tiersCfg.MinDebtBase = uint256.NewInt(cfg.Queues.MinDebtBase)
	}
	tiers := queue.NewTiers(tiersCfg, reg)

	feePolicy := fee.New(fee.Config{TipGweiFast: cfg.Fee.TipGweiFast, MaxFeeGwei: cfg.Fee.MaxFeeGwei, BumpFactor: cfg.Fee.BumpFactor, MaxAttempts: cfg.Fee.NRbf})
	bud := budget.New(cfg.Exec.RDay, clk.Now, reg)
	decisions := missclass.NewLog(missclass.DefaultConfig(), clk.Now, reg)

	execCfg := executor.DefaultConfig()
	execCfg.WorkerCap = cfg.WorkerCap
	execCfg.ProfitMinUSD = cfg.Exec.ProfitMinUSD
	execCfg.CloseFactorThreshold = config.ScaledHF(cfg.Exec.CloseFactorThreshold)
	execCfg.EpsOpt = config.ScaledHF(cfg.Exec.EpsOpt)
	execCfg.CooldownMs, execCfg.LWarn, execCfg.SPrice = cfg.Exec.CooldownMs, cfg.Exec.LWarn, cfg.Exec.SPrice
	execCfg.BRbf, execCfg.NRbf = cfg.Fee.BRbf, cfg.Fee.NRbf
	exec := executor.New(oracle, reserves, sender, store, feePolicy, bud, decisions, execCfg, clk.Now, sink)

	classifier := missclass.New(missclass.Config{
		OurSigner:          cfg.OurSigner,
		TransientBlocks:    cfg.Misc.TransientBlocks,
		GasOutbidThreshold: cfg.Misc.GasOutbidGwei,
	}, store, decisions, reg)

	gateCfg := signal.DefaultConfig()
	gateCfg.DebounceWindow = time.Duration(cfg.Signals.DebouncePerAssetMs) * time.Millisecond
	if cfg.Signals.PythDeltaPct > 0 {
		gateCfg.PythDeltaPct = config.ScaledHF(cfg.Signals.PythDeltaPct)
	}
	if cfg.Signals.TwapDeltaPct > 0 {
		gateCfg.TwapDeltaPct = config.ScaledHF(cfg.Signals.TwapDeltaPct)
	}
	gate := signal.New(gateCfg, reg)

	orch := orchestrator.New(
		orchestrator.Config{CBlock: cfg.Verifier.CBlock, KFirst: cfg.Misc.KFirst, WorkerCap: cfg.WorkerCap},
		gate, dirtySet, store, dec, v6, tiers, exec, classifier, decisions,
		clk.Now, sink,
	)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(liqmetrics.NewExporter(reg), promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sink.Log.Error("metrics server failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer metricsSrv.Close()
	}

	// The fan-out feed sits between the upstream head source and the
	// orchestrator so reorg notifications and head gaps are observed in
	// one place, however many consumers subscribe.
	feed := clock.NewBlockFeed(&ifacetest.BlockFeed{}, sink.Log)
	heads := make(chan clock.NewHeadEvent, 16)
	reorgs := make(chan clock.ReorgEvent, 4)
	headSub := feed.SubscribeNewHead(heads)
	defer headSub.Unsubscribe()
	reorgSub := feed.SubscribeReorg(reorgs)
	defer reorgSub.Unsubscribe()
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			sink.Log.Error("block feed stopped", "err", err)
		}
	}()

	sink.Log.Info("liquidator starting", "workerCap", cfg.WorkerCap, "qBlock", cfg.Verifier.QBlock, "metrics", cfg.MetricsAddr)
	for {
		select {
		case <-ctx.Done():
			return nil
		case h := <-heads:
			if _, err := orch.OnBlock(ctx, orchestrator.BlockInput{Header: h.Header}); err != nil {
				sink.Log.Error("block processing failed", "block", h.Header.Number, "err", err)
			}
		case r := <-reorgs:
			orch.Reorg(r.CommonAncestor)
		}
	}
}
