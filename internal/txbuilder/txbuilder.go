// Package txbuilder implements the Transaction Builder (spec.md §4.4): it
// turns an accepted ArbitrageOpportunity into an immutable call payload for
// the on-chain flash-loan executor, then attaches gas fields and a nonce.
package txbuilder

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	arb "github.com/ChoSanghyuk/arbengine"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Transaction is the immutable call payload produced by
// BuildArbitrageTransaction.
type Transaction struct {
	To                common.Address
	Value             *big.Int
	Data              []byte
	ChainID           *big.Int
	FlashLoanProvider common.Address
	FlashLoanToken    common.Address
	FlashLoanAmount   *big.Int
	Steps             []arb.SwapStep
}

// PreparedTransaction attaches gas fields and a nonce to a Transaction,
// ready for submission.
type PreparedTransaction struct {
	Transaction
	Nonce                uint64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// adapterStep mirrors the executor contract's SwapStep struct; field order
// must match the ABI definition positionally.
type adapterStep struct {
	Adapter   common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	ExtraData []byte
}

// Builder resolves venue adapters and encodes calldata for the flash-loan
// executor contract.
type Builder struct {
	executorAddress common.Address
	executorABI     abi.ABI
	adapters        map[arb.VenueTag]common.Address
	chainID         *big.Int
}

// New builds a Builder. adapters maps each venue tag this chain supports to
// its on-chain adapter contract address; a tag absent from the map (or
// mapped to the zero address) causes BuildArbitrageTransaction to fail for
// any path touching it.
func New(executorAddress common.Address, executorABI abi.ABI, adapters map[arb.VenueTag]common.Address, chainID *big.Int) *Builder {
	return &Builder{executorAddress: executorAddress, executorABI: executorABI, adapters: adapters, chainID: chainID}
}

// BuildArbitrageTransaction encodes the full call payload for opportunity,
// enforcing the hard invariant that no step's resolved adapter is the zero
// address.
func (b *Builder) BuildArbitrageTransaction(opp arb.ArbitrageOpportunity, flashProvider common.Address) (Transaction, error) {
	if len(opp.Path.Steps) == 0 {
		return Transaction{}, fmt.Errorf("txbuilder: opportunity %s has no path steps", opp.ID)
	}

	flashAmount := scaleToDecimals(opp.InputAmount, opp.Path.Steps[0].DecimalsIn)

	steps := make([]adapterStep, len(opp.Path.Steps))
	for i, step := range opp.Path.Steps {
		adapter, ok := b.adapters[step.VenueTag]
		if !ok || adapter == (common.Address{}) {
			return Transaction{}, fmt.Errorf("txbuilder: unknown-adapter for venue %q at step %d", step.VenueTag, i)
		}

		amountIn := big.NewInt(0)
		if i == 0 {
			amountIn = flashAmount
		}

		extraData, err := encodeExtraData(step)
		if err != nil {
			return Transaction{}, fmt.Errorf("txbuilder: step %d: %w", i, err)
		}

		steps[i] = adapterStep{
			Adapter:   adapter,
			TokenIn:   step.TokenIn,
			TokenOut:  step.TokenOut,
			AmountIn:  amountIn,
			ExtraData: extraData,
		}
	}

	data, err := b.executorABI.Pack("executeArbitrage", flashProvider, opp.Path.BaseToken, flashAmount, steps)
	if err != nil {
		return Transaction{}, fmt.Errorf("txbuilder: encode executeArbitrage: %w", err)
	}

	return Transaction{
		To:                b.executorAddress,
		Value:             big.NewInt(0),
		Data:              data,
		ChainID:           b.chainID,
		FlashLoanProvider: flashProvider,
		FlashLoanToken:    opp.Path.BaseToken,
		FlashLoanAmount:   flashAmount,
		Steps:             opp.Path.Steps,
	}, nil
}

// PrepareTransaction attaches gas fields and nonce, per spec.md §4.4's gas
// settings: maxFeePerGas = 2×baseFee+priorityTip, maxPriorityFeePerGas =
// priorityTip. Rejects negative fees and a zero gas limit.
func (b *Builder) PrepareTransaction(tx Transaction, gas arb.GasParams, nonce uint64) (PreparedTransaction, error) {
	if gas.GasLimit == 0 {
		return PreparedTransaction{}, fmt.Errorf("txbuilder: gas limit must be non-zero")
	}
	if gas.BaseFeeWei == nil || gas.BaseFeeWei.Sign() < 0 {
		return PreparedTransaction{}, fmt.Errorf("txbuilder: baseFeeWei must be non-negative")
	}
	if gas.PriorityTipWei == nil || gas.PriorityTipWei.Sign() < 0 {
		return PreparedTransaction{}, fmt.Errorf("txbuilder: priorityTipWei must be non-negative")
	}

	maxFeePerGas := new(big.Int).Mul(gas.BaseFeeWei, big.NewInt(2))
	maxFeePerGas.Add(maxFeePerGas, gas.PriorityTipWei)

	return PreparedTransaction{
		Transaction:          tx,
		Nonce:                nonce,
		GasLimit:             gas.GasLimit,
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: new(big.Int).Set(gas.PriorityTipWei),
	}, nil
}

// encodeExtraData produces the per-step adapter payload: empty for V2-like
// and solidly forks, a 3-byte unsigned fee tier for V3-like, and a 2-byte
// unsigned bin step for binned-liquidity venues.
func encodeExtraData(step arb.SwapStep) ([]byte, error) {
	switch step.VenueTag {
	case arb.VenueUniswapV2Like, arb.VenueSolidlyFork:
		return []byte{}, nil
	case arb.VenueUniswapV3Like:
		if step.FeeTier < 0 || step.FeeTier > 0xFFFFFF {
			return nil, fmt.Errorf("fee tier %d out of 3-byte range", step.FeeTier)
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(step.FeeTier))
		return buf[1:], nil // low 3 bytes, big-endian
	case arb.VenueBinnedLB:
		if step.BinStep < 0 || step.BinStep > math.MaxUint16 {
			return nil, fmt.Errorf("bin step %d out of 2-byte range", step.BinStep)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(step.BinStep))
		return buf, nil
	default:
		return nil, fmt.Errorf("unknown venue tag %q", step.VenueTag)
	}
}

// scaleToDecimals converts a decimal base-token amount to its integer wire
// representation at the given token decimals.
func scaleToDecimals(amount float64, decimals uint8) *big.Int {
	f := new(big.Float).SetFloat64(amount)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Mul(f, scale)
	out, _ := f.Int(nil)
	return out
}
