// Package monitor implements the Price Monitor (spec.md §4.1): it keeps a
// fresh price snapshot per configured pool and publishes both per-pool
// updates and pairwise cross-venue deltas on the event bus.
package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ChoSanghyuk/arbengine/internal/eventbus"
	"github.com/ChoSanghyuk/arbengine/pkg/logger"
	"github.com/ChoSanghyuk/arbengine/pkg/util"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reader abstracts the venue-specific on-chain reads a Monitor needs, so
// tests can substitute a fake chain.
type Reader interface {
	// ReadV2Reserves returns the two token reserves and the block they
	// were read at, for a uniswapV2-like / solidlyFork pool.
	ReadV2Reserves(ctx context.Context, pool arb.PoolConfig) (reserve0, reserve1 *big.Int, blockNumber uint64, err error)

	// ReadV3Slot0 returns the packed sqrt-price and tick, for a
	// uniswapV3-like pool.
	ReadV3Slot0(ctx context.Context, pool arb.PoolConfig) (sqrtPriceX96 *big.Int, tick int, blockNumber uint64, err error)

	// ReadBinnedActiveBin returns the active bin id, for a binnedLB pool.
	ReadBinnedActiveBin(ctx context.Context, pool arb.PoolConfig) (binID int, blockNumber uint64, err error)
}

// Config holds the Monitor's tunables, sourced from arb.ChainConfig.
type Config struct {
	PollInterval          time.Duration
	MaxRetries            int
	MinReserveBase        float64
	DeltaThresholdPercent float64
	// ReferenceBinOffset anchors binnedLB price conversion; see readBinned.
	ReferenceBinOffset int
}

// Monitor is the Price Monitor actor: single-threaded event loop, owns its
// snapshot cache and failure counters exclusively.
type Monitor struct {
	pools  []arb.PoolConfig
	reader Reader
	bus    *eventbus.Bus
	log    *logger.Logger
	cfg    Config

	mu        sync.RWMutex
	latest    map[string]arb.PriceSnapshot
	failures  map[string]int
	stale     map[string]bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New builds a Monitor over pools, reading state via reader and publishing
// to bus.
func New(pools []arb.PoolConfig, reader Reader, bus *eventbus.Bus, log *logger.Logger, cfg Config) *Monitor {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Monitor{
		pools:    pools,
		reader:   reader,
		bus:      bus,
		log:      log.Named("monitor"),
		cfg:      cfg,
		latest:   make(map[string]arb.PriceSnapshot),
		failures: make(map[string]int),
		stale:    make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the polling loop. It is idempotent: calling Start twice on
// the same Monitor has no additional effect.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() { go m.run(ctx) })
}

// Stop halts the polling loop and waits for the in-flight cycle to finish.
// It is idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	// Poll once immediately on start, then on every tick.
	m.pollCycle(ctx)

	backoff := m.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.pollCycleWithRecovery(ctx); err != nil {
				m.log.Warn("poll cycle failed entirely, backing off", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				backoff = minDuration(backoff*2, time.Minute)
				continue
			}
			backoff = m.cfg.PollInterval
		}
	}
}

// pollCycleWithRecovery wraps pollCycle so a cycle-wide failure (e.g.
// endpoint down) is reported rather than emitting partial snapshots, per
// spec.md §4.1's failure semantics.
func (m *Monitor) pollCycleWithRecovery(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: cycle panicked: %v", r)
		}
	}()
	m.pollCycle(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	failed := 0
	for _, p := range m.pools {
		if m.failures[p.Address.Hex()] > 0 {
			failed++
		}
	}
	if len(m.pools) > 0 && failed == len(m.pools) {
		return fmt.Errorf("monitor: every pool read failed this cycle")
	}
	return nil
}

type readResult struct {
	pool     arb.PoolConfig
	snapshot arb.PriceSnapshot
	err      error
}

// pollCycle issues one batched read per pool concurrently, then processes
// results and delta detection sequentially on this goroutine (the "event
// loop"), never mutating shared state from the reader goroutines.
func (m *Monitor) pollCycle(ctx context.Context) {
	results := make(chan readResult, len(m.pools))
	var wg sync.WaitGroup
	for _, pool := range m.pools {
		wg.Add(1)
		go func(p arb.PoolConfig) {
			defer wg.Done()
			snap, err := m.readPool(ctx, p)
			results <- readResult{pool: p, snapshot: snap, err: err}
		}(pool)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	now := time.Now()
	for res := range results {
		m.handleReadResult(res, now)
	}

	m.detectDeltas(now)
}

func (m *Monitor) handleReadResult(res readResult, now time.Time) {
	key := res.pool.Address.Hex()

	m.mu.Lock()
	defer m.mu.Unlock()

	if res.err != nil {
		m.failures[key]++
		if m.failures[key] >= m.cfg.MaxRetries && !m.stale[key] {
			m.stale[key] = true
			m.bus.Publish(eventbus.TopicStale, res.pool)
			m.log.Warn("pool marked stale", zap.String("pool", res.pool.Label), zap.Error(res.err))
		}
		return
	}

	m.failures[key] = 0
	wasStale := m.stale[key]
	m.stale[key] = false

	prior, hadPrior := m.latest[key]
	m.latest[key] = res.snapshot

	if hadPrior && res.snapshot.BlockNumber <= prior.BlockNumber {
		// Block has not advanced: store but do not republish, per
		// spec.md §4.1's ordering guarantee.
		return
	}

	m.bus.Publish(eventbus.TopicPriceUpdate, res.snapshot)
	if wasStale {
		m.log.Info("pool recovered from stale", zap.String("pool", res.pool.Label))
	}
}

// detectDeltas groups the latest non-stale, liquidity-eligible snapshots by
// canonical pair and publishes a delta for any pair whose spread clears
// the configured threshold.
func (m *Monitor) detectDeltas(now time.Time) {
	m.mu.RLock()
	byPair := make(map[string][]arb.PriceSnapshot)
	for key, snap := range m.latest {
		if m.stale[key] {
			continue
		}
		if !m.liquidityEligible(snap) {
			continue
		}
		byPair[snap.Pool.PairKey()] = append(byPair[snap.Pool.PairKey()], snap)
	}
	m.mu.RUnlock()

	for _, snaps := range byPair {
		if len(snaps) < 2 {
			continue
		}
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].Price < snaps[j].Price })
		minSnap, maxSnap := snaps[0], snaps[len(snaps)-1]

		// Computed via decimal rather than float64 so the threshold compare
		// below isn't subject to binary-float rounding at the boundary.
		minPrice := decimal.NewFromFloat(minSnap.Price)
		maxPrice := decimal.NewFromFloat(maxSnap.Price)
		deltaPct := maxPrice.Sub(minPrice).Div(minPrice).Mul(decimal.NewFromInt(100))
		if deltaPct.LessThan(decimal.NewFromFloat(m.cfg.DeltaThresholdPercent)) {
			continue
		}

		delta, err := arb.NewPriceDelta(minSnap, maxSnap, now)
		if err != nil {
			m.log.Error("failed to build price delta", zap.Error(err))
			continue
		}
		m.bus.Publish(eventbus.TopicDelta, delta)
	}
}

// liquidityEligible applies the minReserveBase gate: reserve-based pools
// (uniswapV2-like and solidlyFork) below it are excluded from delta
// emission (but remain polled). Pools of other venue kinds always pass.
func (m *Monitor) liquidityEligible(snap arb.PriceSnapshot) bool {
	if snap.Pool.VenueTag != arb.VenueUniswapV2Like && snap.Pool.VenueTag != arb.VenueSolidlyFork {
		return true
	}
	base, ok := snap.ReserveBaseNormalized()
	if !ok {
		return true
	}
	return base >= m.cfg.MinReserveBase
}

func (m *Monitor) readPool(ctx context.Context, pool arb.PoolConfig) (arb.PriceSnapshot, error) {
	switch pool.VenueTag {
	case arb.VenueUniswapV2Like, arb.VenueSolidlyFork:
		return m.readV2(ctx, pool)
	case arb.VenueUniswapV3Like:
		return m.readV3(ctx, pool)
	case arb.VenueBinnedLB:
		return m.readBinned(ctx, pool)
	default:
		return arb.PriceSnapshot{}, fmt.Errorf("monitor: unknown venue tag %q", pool.VenueTag)
	}
}

func (m *Monitor) readV2(ctx context.Context, pool arb.PoolConfig) (arb.PriceSnapshot, error) {
	r0, r1, block, err := m.reader.ReadV2Reserves(ctx, pool)
	if err != nil {
		return arb.PriceSnapshot{}, fmt.Errorf("monitor: read reserves for %s: %w", pool.Label, err)
	}

	norm0 := normalize(r0, pool.Decimals0)
	norm1 := normalize(r1, pool.Decimals1)
	if norm0 == 0 {
		return arb.PriceSnapshot{}, fmt.Errorf("monitor: zero reserve0 for %s", pool.Label)
	}

	price := norm1 / norm0
	if pool.InvertPrice {
		price = norm0 / norm1
	}

	return buildSnapshot(pool, price, block, r0, r1, nil)
}

func (m *Monitor) readV3(ctx context.Context, pool arb.PoolConfig) (arb.PriceSnapshot, error) {
	sqrtPriceX96, _, block, err := m.reader.ReadV3Slot0(ctx, pool)
	if err != nil {
		return arb.PriceSnapshot{}, fmt.Errorf("monitor: read slot0 for %s: %w", pool.Label, err)
	}

	raw := util.SqrtPriceToPrice(sqrtPriceX96)
	decimalAdj := new(big.Float).SetFloat64(pow10f(int(pool.Decimals0) - int(pool.Decimals1)))
	raw.Mul(raw, decimalAdj)
	price, _ := raw.Float64()
	if pool.InvertPrice && price != 0 {
		price = 1 / price
	}

	return buildSnapshot(pool, price, block, nil, nil, sqrtPriceX96)
}

func (m *Monitor) readBinned(ctx context.Context, pool arb.PoolConfig) (arb.PriceSnapshot, error) {
	binID, block, err := m.reader.ReadBinnedActiveBin(ctx, pool)
	if err != nil {
		return arb.PriceSnapshot{}, fmt.Errorf("monitor: read active bin for %s: %w", pool.Label, err)
	}

	factor := 1 + float64(pool.BinStep)/10_000
	exponent := binID - m.cfg.ReferenceBinOffset
	price := pow(factor, exponent) * pow10f(int(pool.Decimals0)-int(pool.Decimals1))
	if pool.InvertPrice && price != 0 {
		price = 1 / price
	}

	return buildSnapshot(pool, price, block, nil, nil, nil)
}

func buildSnapshot(pool arb.PoolConfig, price float64, block uint64, r0, r1, sqrtPriceX96 *big.Int) (arb.PriceSnapshot, error) {
	if price <= 0 {
		return arb.PriceSnapshot{}, fmt.Errorf("monitor: computed non-positive price for %s", pool.Label)
	}
	snap := arb.PriceSnapshot{
		Pool:         pool,
		Price:        price,
		InversePrice: 1 / price,
		SqrtPriceX96: sqrtPriceX96,
		BlockNumber:  block,
		Timestamp:    time.Now(),
		Reserve0:     r0,
		Reserve1:     r1,
	}
	return snap, snap.Validate()
}

func normalize(amount *big.Int, decimals uint8) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	f.Quo(f, new(big.Float).SetFloat64(pow10f(int(decimals))))
	out, _ := f.Float64()
	return out
}

func pow10f(n int) float64 {
	if n < 0 {
		return 1 / pow10f(-n)
	}
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

func pow(base float64, exp int) float64 {
	neg := exp < 0
	if neg {
		exp = -exp
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	if neg {
		return 1 / result
	}
	return result
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Latest returns the current snapshot for a pool address, if any.
func (m *Monitor) Latest(addrHex string) (arb.PriceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.latest[addrHex]
	return s, ok
}

// IsStale reports whether a pool is currently marked stale.
func (m *Monitor) IsStale(addrHex string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stale[addrHex]
}
