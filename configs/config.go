// Package configs loads the static YAML configuration for a chain
// deployment and overlays the recognized environment variables on top of
// it, producing the arb.ChainConfig and component tunables the bootstrap
// in cmd/arbengine wires up.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ChoSanghyuk/arbengine/internal/engine"
	"github.com/ChoSanghyuk/arbengine/internal/errs"
	"github.com/ChoSanghyuk/arbengine/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// PoolYAMLData is one monitored pool entry from the YAML pools list.
type PoolYAMLData struct {
	Label       string `yaml:"label"`
	VenueTag    string `yaml:"venueTag"`
	Address     string `yaml:"address"`
	Token0      string `yaml:"token0"`
	Token1      string `yaml:"token1"`
	Decimals0   uint8  `yaml:"decimals0"`
	Decimals1   uint8  `yaml:"decimals1"`
	FeeTier     int    `yaml:"feeTier"`
	BinStep     int    `yaml:"binStep"`
	InvertPrice bool   `yaml:"invertPrice"`
	Risky       bool   `yaml:"risky"`
}

// ContractClientYAMLData names the ABI file backing one venue's on-chain
// reads and calls.
type ContractClientYAMLData struct {
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

// LogYAMLData configures pkg/logger.
type LogYAMLData struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"filePath"`
}

// StrategyYAMLData holds the Detector/Engine/Monitor tunables, sourced
// into arb.ChainConfig.
type StrategyYAMLData struct {
	DeltaThresholdPercent  float64            `yaml:"deltaThresholdPercent"`
	MinReserveBase         float64            `yaml:"minReserveBase"`
	FreshnessBudgetMs      int64              `yaml:"freshnessBudgetMs"`
	MinProfitThreshold     float64            `yaml:"minProfitThreshold"`
	DefaultInputAmount     float64            `yaml:"defaultInputAmount"`
	MaxInputByVenue        map[string]float64 `yaml:"maxInputByVenue"`
	MinInputAmount         float64            `yaml:"minInputAmount"`
	MaxConsecutiveFailures int                `yaml:"maxConsecutiveFailures"`
	SubmissionCooldownSec  int                `yaml:"submissionCooldownSec"`
	RevertCooldownSec      int                `yaml:"revertCooldownSec"`
	ConfirmationTimeoutSec int                `yaml:"confirmationTimeoutSec"`
	PendingNonceTimeoutSec int                `yaml:"pendingNonceTimeoutSec"`
	PollIntervalMs         int                `yaml:"pollIntervalMs"`
	GasPriceGwei           float64            `yaml:"gasPriceGwei"`
}

// Config is the entire static configuration loaded from config.yml, before
// the environment-variable overlay in Resolve.
type Config struct {
	RPC               string                            `yaml:"rpc"`
	WSURL             string                             `yaml:"wsUrl"`
	ChainID           int64                              `yaml:"chainId"`
	DataDir           string                             `yaml:"dataDir"`
	ExecutorAddress   string                             `yaml:"executorAddress"`
	FlashLoanProvider string                             `yaml:"flashLoanProvider"`
	VenueAdapters     map[string]string                  `yaml:"venueAdapters"`
	Pools             []PoolYAMLData                     `yaml:"pools"`
	ContractClient    map[string]ContractClientYAMLData `yaml:"contractClient"`
	Log               LogYAMLData                        `yaml:"log"`
	Strategy          StrategyYAMLData                   `yaml:"strategy"`
}

// LoadConfig reads and parses config.yml into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %v", errs.ErrConfiguration, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: parse config YAML: %v", errs.ErrConfiguration, err)
	}
	return &config, nil
}

// Resolved is the fully overlaid, validated runtime configuration: YAML
// values overlaid by recognized environment variables per spec.md §6,
// ready to build every component.
type Resolved struct {
	RPCURL            string
	WSURL             string
	Mode              engine.Mode
	ExecutorAddress   common.Address
	PrivateKeyHex     string // empty in REPORT mode; never logged
	DataDir           string
	Log               logger.Config
	ContractClient    map[string]ContractClientYAMLData
	Chain             arb.ChainConfig
	PollInterval      time.Duration
}

// Resolve overlays recognized environment variables onto c and validates
// the result, per spec.md §6's configuration-error policy: a returned
// error always wraps errs.ErrConfiguration and should cause a non-zero
// exit before any component starts.
func (c *Config) Resolve() (Resolved, error) {
	r := Resolved{
		RPCURL:  envOr("RPC_URL", c.RPC),
		WSURL:   envOr("WS_URL", c.WSURL),
		DataDir: envOr("DATA_DIR", c.DataDir),
	}
	if r.DataDir == "" {
		r.DataDir = "./data"
	}

	chainID := c.ChainID
	if v := os.Getenv("CHAIN_ID"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Resolved{}, fmt.Errorf("%w: CHAIN_ID %q: %v", errs.ErrConfiguration, v, err)
		}
		chainID = parsed
	}
	if chainID == 0 {
		chainID = 1
	}

	dryRun := envBoolOr("DRY_RUN", true)
	shadow := envBoolOr("SHADOW_MODE", false)
	switch {
	case dryRun:
		r.Mode = engine.ModeReport
	case shadow:
		r.Mode = engine.ModeShadow
	default:
		r.Mode = engine.ModeLive
	}

	execAddr := envOr("EXECUTOR_ADDRESS", c.ExecutorAddress)
	if r.Mode != engine.ModeReport {
		if execAddr == "" {
			return Resolved{}, fmt.Errorf("%w: EXECUTOR_ADDRESS is required outside report mode", errs.ErrConfiguration)
		}
		addr := common.HexToAddress(execAddr)
		if addr == (common.Address{}) {
			return Resolved{}, fmt.Errorf("%w: EXECUTOR_ADDRESS must be non-zero outside report mode", errs.ErrConfiguration)
		}
		r.ExecutorAddress = addr

		r.PrivateKeyHex = os.Getenv("BOT_PRIVATE_KEY")
		if r.PrivateKeyHex == "" {
			return Resolved{}, fmt.Errorf("%w: BOT_PRIVATE_KEY is required outside report mode", errs.ErrConfiguration)
		}
	} else if execAddr != "" {
		r.ExecutorAddress = common.HexToAddress(execAddr)
	}

	venueAdapters := map[arb.VenueTag]common.Address{}
	for tag, addr := range c.VenueAdapters {
		venueAdapters[arb.VenueTag(tag)] = common.HexToAddress(addr)
	}
	for _, tag := range []arb.VenueTag{arb.VenueUniswapV2Like, arb.VenueUniswapV3Like, arb.VenueBinnedLB, arb.VenueSolidlyFork} {
		if v := os.Getenv("ADAPTER_" + string(tag)); v != "" {
			venueAdapters[tag] = common.HexToAddress(v)
		}
	}

	flashProvider := common.HexToAddress(c.FlashLoanProvider)

	pools := make([]arb.PoolConfig, 0, len(c.Pools))
	for _, p := range c.Pools {
		pool := arb.PoolConfig{
			Label:       p.Label,
			VenueTag:    arb.VenueTag(p.VenueTag),
			Address:     common.HexToAddress(p.Address),
			Token0:      common.HexToAddress(p.Token0),
			Token1:      common.HexToAddress(p.Token1),
			Decimals0:   p.Decimals0,
			Decimals1:   p.Decimals1,
			FeeTier:     p.FeeTier,
			BinStep:     p.BinStep,
			InvertPrice: p.InvertPrice,
			Risky:       p.Risky,
		}
		if err := pool.Validate(); err != nil {
			return Resolved{}, fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
		}
		pools = append(pools, pool)
	}

	s := c.Strategy
	minProfit := s.MinProfitThreshold
	if v := os.Getenv("MIN_PROFIT_THRESHOLD"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Resolved{}, fmt.Errorf("%w: MIN_PROFIT_THRESHOLD %q: %v", errs.ErrConfiguration, v, err)
		}
		minProfit = parsed
	}

	gasPriceGwei := s.GasPriceGwei
	if v := os.Getenv("GAS_PRICE_GWEI"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Resolved{}, fmt.Errorf("%w: GAS_PRICE_GWEI %q: %v", errs.ErrConfiguration, v, err)
		}
		gasPriceGwei = parsed
	}
	_ = gasPriceGwei // parsed and validated only; not carried into Resolved (the gas source in cmd/arbengine uses a fixed tip)

	pollMs := s.PollIntervalMs
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Resolved{}, fmt.Errorf("%w: POLL_INTERVAL_MS %q: %v", errs.ErrConfiguration, v, err)
		}
		pollMs = parsed
	}
	if pollMs <= 0 {
		pollMs = 5000
	}
	r.PollInterval = time.Duration(pollMs) * time.Millisecond

	maxInputByVenue := map[arb.VenueTag]float64{}
	for tag, v := range s.MaxInputByVenue {
		maxInputByVenue[arb.VenueTag(tag)] = v
	}

	r.Chain = arb.ChainConfig{
		Profile: arb.ChainProfile{
			ChainID:      chainID,
			IsL2:         chainID != 1,
			HasL1DataFee: false,
			NativeSymbol: "ETH",
		},
		FlashLoanProvider:      flashProvider,
		VenueAdapters:          venueAdapters,
		Pools:                  pools,
		DeltaThresholdPercent:  s.DeltaThresholdPercent,
		MinReserveBase:         s.MinReserveBase,
		FreshnessBudgetMs:      s.FreshnessBudgetMs,
		MinProfitThreshold:     minProfit,
		DefaultInputAmount:     s.DefaultInputAmount,
		MaxInputByVenue:        maxInputByVenue,
		MinInputAmount:         s.MinInputAmount,
		MaxConsecutiveFailures: s.MaxConsecutiveFailures,
		SubmissionCooldown:     time.Duration(s.SubmissionCooldownSec) * time.Second,
		RevertCooldown:         time.Duration(s.RevertCooldownSec) * time.Second,
		ConfirmationTimeout:    time.Duration(s.ConfirmationTimeoutSec) * time.Second,
		PendingNonceTimeout:    time.Duration(s.PendingNonceTimeoutSec) * time.Second,
	}

	r.Log = logger.Config{
		Level:    envOr("LOG_LEVEL", c.Log.Level),
		Format:   orDefault(c.Log.Format, "json"),
		Output:   orDefault(c.Log.Output, "stdout"),
		FilePath: c.Log.FilePath,
	}
	if r.Log.Level == "" {
		r.Log.Level = "info"
	}

	r.ContractClient = c.ContractClient
	return r, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
