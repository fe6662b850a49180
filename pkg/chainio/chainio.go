// Package chainio adapts the low-level go-ethereum/contractclient surface
// to the interfaces internal/monitor, internal/engine, and internal/detector
// expect from a live chain: per-venue reserve/price reads, gas parameters,
// and signing and broadcasting a prepared transaction.
package chainio

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ChoSanghyuk/arbengine/internal/txbuilder"
	"github.com/ChoSanghyuk/arbengine/pkg/contractclient"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// PoolReader implements internal/monitor.Reader over per-venue contract
// ABIs. Each venue exposes a different read — uniswapV2-like and
// solidlyFork pools expose getReserves, uniswapV3-like exposes slot0, and
// binnedLB exposes getActiveId — but every pool of a given venue shares
// that venue's ABI even though each is a distinct contract address, so
// clients are built lazily per pool address and cached.
type PoolReader struct {
	eth     *ethclient.Client
	abis    map[arb.VenueTag]abi.ABI
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[common.Address]*contractclient.Client
}

// NewPoolReader builds a PoolReader. abis must hold one entry per venue tag
// this deployment monitors. limiter may be nil to leave reads unrate-limited.
func NewPoolReader(eth *ethclient.Client, abis map[arb.VenueTag]abi.ABI, limiter *rate.Limiter) *PoolReader {
	return &PoolReader{eth: eth, abis: abis, limiter: limiter, clients: make(map[common.Address]*contractclient.Client)}
}

func (r *PoolReader) clientFor(pool arb.PoolConfig) (*contractclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[pool.Address]; ok {
		return c, nil
	}
	venueABI, ok := r.abis[pool.VenueTag]
	if !ok {
		return nil, fmt.Errorf("chainio: no ABI configured for venue %q", pool.VenueTag)
	}
	c := contractclient.NewContractClient(r.eth, pool.Address, venueABI, r.limiter)
	r.clients[pool.Address] = c
	return c, nil
}

// ReadV2Reserves calls getReserves on a uniswapV2-like or solidlyFork pool.
func (r *PoolReader) ReadV2Reserves(ctx context.Context, pool arb.PoolConfig) (*big.Int, *big.Int, uint64, error) {
	client, err := r.clientFor(pool)
	if err != nil {
		return nil, nil, 0, err
	}
	out, err := client.Call(ctx, nil, "getReserves")
	if err != nil {
		return nil, nil, 0, fmt.Errorf("chainio: getReserves %s: %w", pool.Label, err)
	}
	if len(out) < 2 {
		return nil, nil, 0, fmt.Errorf("chainio: getReserves %s: unexpected output shape", pool.Label)
	}
	reserve0, ok0 := out[0].(*big.Int)
	reserve1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, 0, fmt.Errorf("chainio: getReserves %s: non-integer reserves", pool.Label)
	}
	block, err := r.eth.BlockNumber(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("chainio: block number: %w", err)
	}
	return reserve0, reserve1, block, nil
}

// ReadV3Slot0 calls slot0 on a uniswapV3-like pool.
func (r *PoolReader) ReadV3Slot0(ctx context.Context, pool arb.PoolConfig) (*big.Int, int, uint64, error) {
	client, err := r.clientFor(pool)
	if err != nil {
		return nil, 0, 0, err
	}
	out, err := client.Call(ctx, nil, "slot0")
	if err != nil {
		return nil, 0, 0, fmt.Errorf("chainio: slot0 %s: %w", pool.Label, err)
	}
	if len(out) < 2 {
		return nil, 0, 0, fmt.Errorf("chainio: slot0 %s: unexpected output shape", pool.Label)
	}
	sqrtPriceX96, ok := out[0].(*big.Int)
	if !ok {
		return nil, 0, 0, fmt.Errorf("chainio: slot0 %s: non-integer sqrtPriceX96", pool.Label)
	}
	tick, ok := out[1].(*big.Int)
	if !ok {
		return nil, 0, 0, fmt.Errorf("chainio: slot0 %s: non-integer tick", pool.Label)
	}
	block, err := r.eth.BlockNumber(ctx)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("chainio: block number: %w", err)
	}
	return sqrtPriceX96, int(tick.Int64()), block, nil
}

// ReadBinnedActiveBin calls getActiveId on a binnedLB pool.
func (r *PoolReader) ReadBinnedActiveBin(ctx context.Context, pool arb.PoolConfig) (int, uint64, error) {
	client, err := r.clientFor(pool)
	if err != nil {
		return 0, 0, err
	}
	out, err := client.Call(ctx, nil, "getActiveId")
	if err != nil {
		return 0, 0, fmt.Errorf("chainio: getActiveId %s: %w", pool.Label, err)
	}
	if len(out) < 1 {
		return 0, 0, fmt.Errorf("chainio: getActiveId %s: unexpected output shape", pool.Label)
	}
	binID, ok := out[0].(uint32)
	if !ok {
		if asBig, okBig := out[0].(*big.Int); okBig {
			binID = uint32(asBig.Int64())
		} else {
			return 0, 0, fmt.Errorf("chainio: getActiveId %s: unexpected active-id type", pool.Label)
		}
	}
	block, err := r.eth.BlockNumber(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("chainio: block number: %w", err)
	}
	return int(binID), block, nil
}

// GasSource reads the current base fee and a fixed priority tip off the
// chain head, for internal/detector and internal/engine's gas accounting.
type GasSource struct {
	eth         *ethclient.Client
	priorityTip *big.Int
	gasLimit    uint64
}

// NewGasSource builds a GasSource. priorityTipWei and gasLimit are fixed
// per deployment (spec.md doesn't call for a priority-fee oracle).
func NewGasSource(eth *ethclient.Client, priorityTipWei *big.Int, gasLimit uint64) *GasSource {
	return &GasSource{eth: eth, priorityTip: priorityTipWei, gasLimit: gasLimit}
}

// CurrentGasParams satisfies internal/detector.GasSource and
// internal/engine.GasSource.
func (g *GasSource) CurrentGasParams(ctx context.Context) (arb.GasParams, error) {
	header, err := g.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return arb.GasParams{}, fmt.Errorf("chainio: header by number: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	return arb.GasParams{
		BaseFeeWei:     new(big.Int).Set(baseFee),
		PriorityTipWei: new(big.Int).Set(g.priorityTip),
		GasLimit:       g.gasLimit,
	}, nil
}

// Signer signs prepared transactions with a local private key and
// broadcasts them, and issues speculative eth_call simulations against the
// same payload. It satisfies internal/engine.Submitter and
// internal/engine.Simulator.
type Signer struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// NewSigner parses privateKeyHex (no "0x" prefix required) and derives the
// signing address.
func NewSigner(eth *ethclient.Client, privateKeyHex string, chainID *big.Int) (*Signer, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("chainio: parse private key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Signer{eth: eth, key: key, from: from, chainID: chainID}, nil
}

// Address returns the signer's on-chain address.
func (s *Signer) Address() common.Address {
	return s.from
}

func (s *Signer) toEthTx(tx txbuilder.PreparedTransaction) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     tx.Nonce,
		GasTipCap: tx.MaxPriorityFeePerGas,
		GasFeeCap: tx.MaxFeePerGas,
		Gas:       tx.GasLimit,
		To:        &tx.To,
		Value:     tx.Value,
		Data:      tx.Data,
	})
}

// SignAndSend signs tx with the local key and broadcasts it.
func (s *Signer) SignAndSend(ctx context.Context, tx txbuilder.PreparedTransaction) (common.Hash, error) {
	ethTx := s.toEthTx(tx)
	signer := types.NewLondonSigner(s.chainID)
	signed, err := types.SignTx(ethTx, signer, s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainio: sign transaction: %w", err)
	}
	if err := s.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chainio: send transaction: %w", err)
	}
	return signed.Hash(), nil
}

// SimulateCall issues a non-broadcasting eth_call with tx's exact payload,
// from the signer's own address, at the current head.
func (s *Signer) SimulateCall(ctx context.Context, tx txbuilder.PreparedTransaction) error {
	_, err := s.eth.CallContract(ctx, ethereum.CallMsg{
		From:      s.from,
		To:        &tx.To,
		Value:     tx.Value,
		Data:      tx.Data,
		Gas:       tx.GasLimit,
		GasFeeCap: tx.MaxFeePerGas,
		GasTipCap: tx.MaxPriorityFeePerGas,
	}, nil)
	if err != nil {
		return fmt.Errorf("chainio: simulate call: %w", err)
	}
	return nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
