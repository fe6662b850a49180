// Package util provides ABI loading helpers and the Q64.96 sqrt-price
// fixed-point conversion the Price Monitor reads uniswapV3-like pools
// through.
package util

import "math/big"

const ammPrecision = 256

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

func q96Float() *big.Float {
	return new(big.Float).SetPrec(ammPrecision).SetInt(q96)
}

// SqrtPriceToPrice converts a Q64.96 sqrt-price into the raw price ratio
// (token1 smallest units per token0 smallest unit), undecorated by token
// decimals: price = (sqrtPriceX96 / 2^96)^2.
func SqrtPriceToPrice(sqrtPriceX96 *big.Int) *big.Float {
	sp := new(big.Float).SetPrec(ammPrecision).SetInt(sqrtPriceX96)
	ratio := new(big.Float).SetPrec(ammPrecision).Quo(sp, q96Float())
	price := new(big.Float).SetPrec(ammPrecision).Mul(ratio, ratio)
	return price
}
