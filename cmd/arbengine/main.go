// Command arbengine is the off-chain flash-loan arbitrage engine's
// bootstrap: it loads configuration, dials the chain, wires every
// component through the orchestrator, and runs until a shutdown signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ChoSanghyuk/arbengine/configs"
	"github.com/ChoSanghyuk/arbengine/internal/costmodel"
	"github.com/ChoSanghyuk/arbengine/internal/detector"
	"github.com/ChoSanghyuk/arbengine/internal/engine"
	"github.com/ChoSanghyuk/arbengine/internal/errs"
	"github.com/ChoSanghyuk/arbengine/internal/eventbus"
	"github.com/ChoSanghyuk/arbengine/internal/monitor"
	"github.com/ChoSanghyuk/arbengine/internal/noncemgr"
	"github.com/ChoSanghyuk/arbengine/internal/orchestrator"
	"github.com/ChoSanghyuk/arbengine/internal/store"
	"github.com/ChoSanghyuk/arbengine/internal/txbuilder"
	"github.com/ChoSanghyuk/arbengine/pkg/chainio"
	"github.com/ChoSanghyuk/arbengine/pkg/logger"
	"github.com/ChoSanghyuk/arbengine/pkg/txlistener"
	"github.com/ChoSanghyuk/arbengine/pkg/util"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const executorABIPath = "configs/executor.abi"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "arbengine:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to spec.md §6's exit-code contract: 0 on graceful
// stop (run returns nil), non-zero on fatal misconfiguration.
func exitCode(err error) int {
	if errors.Is(err, errs.ErrConfiguration) {
		return 2
	}
	return 1
}

func run() error {
	// A missing .env is not an error: env vars may already be set by the
	// process's environment (container secrets, CI, etc).
	_ = godotenv.Load()

	configPath := envOr("ARBENGINE_CONFIG", "configs/config.yml")
	cfg, err := configs.LoadConfig(configPath)
	if err != nil {
		return err
	}
	resolved, err := cfg.Resolve()
	if err != nil {
		return err
	}

	log := logger.New(resolved.Log)
	defer log.Sync() //nolint:errcheck

	if _, err := os.Stat(resolved.DataDir); err != nil {
		return fmt.Errorf("%w: data directory %s must exist at startup: %v", errs.ErrConfiguration, resolved.DataDir, err)
	}

	eth, err := ethclient.Dial(resolved.RPCURL)
	if err != nil {
		return fmt.Errorf("%w: dial RPC %s: %v", errs.ErrConfiguration, resolved.RPCURL, err)
	}
	defer eth.Close()

	executorABI, err := util.LoadABI(executorABIPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
	}

	venueABIs := make(map[arb.VenueTag]abi.ABI, len(resolved.ContractClient))
	for venue, data := range resolved.ContractClient {
		parsed, err := util.LoadABI(data.ABI)
		if err != nil {
			return fmt.Errorf("%w: venue %s: %v", errs.ErrConfiguration, venue, err)
		}
		venueABIs[arb.VenueTag(venue)] = parsed
	}

	reader := chainio.NewPoolReader(eth, venueABIs, nil)

	bus := eventbus.New(log)

	mon := monitor.New(resolved.Chain.Pools, reader, bus, log, monitor.Config{
		PollInterval:          resolved.PollInterval,
		MinReserveBase:        resolved.Chain.MinReserveBase,
		DeltaThresholdPercent: resolved.Chain.DeltaThresholdPercent,
	})

	chainID := big.NewInt(resolved.Chain.Profile.ChainID)
	gasSource := chainio.NewGasSource(eth, big.NewInt(1_500_000_000), 500_000)

	model := &costmodel.Model{ProviderFeeRate: 0.0009, MaxSlippage: 0.003, BasePerNative: 1}

	det := detector.New(bus, model, resolved.Chain.Profile, gasSource, resolved.Chain.VenueAdapters, detector.Config{
		FreshnessBudgetMs:  resolved.Chain.FreshnessBudgetMs,
		MinProfitThreshold: resolved.Chain.MinProfitThreshold,
		DefaultInputAmount: resolved.Chain.DefaultInputAmount,
		MaxInputByVenue:    resolved.Chain.MaxInputByVenue,
		MinInputAmount:     resolved.Chain.MinInputAmount,
	}, log)

	builder := txbuilder.New(resolved.ExecutorAddress, executorABI, resolved.Chain.VenueAdapters, chainID)

	nonceAccount := resolved.ExecutorAddress

	journal, err := store.Open(filepath.Join(resolved.DataDir, "trades.ndjson"), nil)
	if err != nil {
		return fmt.Errorf("%w: trade journal: %v", errs.ErrConfiguration, err)
	}

	var submitter engine.Submitter
	var simulator engine.Simulator
	var confirmer engine.Confirmer
	if resolved.Mode != engine.ModeReport {
		signer, err := chainio.NewSigner(eth, resolved.PrivateKeyHex, chainID)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
		}
		if signer.Address() != resolved.ExecutorAddress {
			log.Warn("signer address differs from executor address; submissions will originate from the signer",
				zap.String("signer", signer.Address().Hex()), zap.String("executor", resolved.ExecutorAddress.Hex()))
		}
		nonceAccount = signer.Address()
		submitter = signer
		simulator = signer
		confirmer = txlistener.NewTxListener(eth,
			txlistener.WithPollInterval(3*time.Second),
			txlistener.WithTimeout(resolved.Chain.ConfirmationTimeout),
		)
	}

	nonceMgr, err := noncemgr.New(context.Background(), nonceAccount, eth,
		filepath.Join(resolved.DataDir, "nonce.json"), resolved.Chain.PendingNonceTimeout, log)
	if err != nil {
		return fmt.Errorf("%w: nonce manager: %v", errs.ErrConfiguration, err)
	}

	eng := engine.New(builder, nonceMgr, journal, bus, gasSource, submitter, simulator, confirmer, engine.Config{
		Mode:                   resolved.Mode,
		FlashLoanProvider:      resolved.Chain.FlashLoanProvider,
		FreshnessBudgetMs:      resolved.Chain.FreshnessBudgetMs,
		SubmissionCooldown:     resolved.Chain.SubmissionCooldown,
		RevertCooldown:         resolved.Chain.RevertCooldown,
		ConfirmationTimeout:    resolved.Chain.ConfirmationTimeout,
		MaxConsecutiveFailures: resolved.Chain.MaxConsecutiveFailures,
	}, log)

	orch := orchestrator.New(mon, det, eng, journal, bus, resolved.Chain.ConfirmationTimeout+30*time.Second, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("arbengine starting",
		zap.String("mode", modeLabel(resolved.Mode)),
		zap.Int64("chainId", resolved.Chain.Profile.ChainID),
		zap.Int("pools", len(resolved.Chain.Pools)),
	)

	return orch.Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func modeLabel(m engine.Mode) string {
	switch m {
	case engine.ModeReport:
		return "report"
	case engine.ModeShadow:
		return "shadow"
	case engine.ModeLive:
		return "live"
	default:
		return "unknown"
	}
}
