package util

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSqrtPriceToPriceAtParity(t *testing.T) {
	// sqrtPriceX96 == 2^96 encodes a 1:1 raw ratio (tick 0).
	price := SqrtPriceToPrice(new(big.Int).Set(q96))
	got, _ := price.Float64()
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestSqrtPriceToPriceScalesQuadratically(t *testing.T) {
	// Doubling sqrtPriceX96 quadruples the raw ratio, since price is its square.
	base := new(big.Int).Set(q96)
	doubled := new(big.Int).Lsh(base, 1)

	basePrice, _ := SqrtPriceToPrice(base).Float64()
	doubledPrice, _ := SqrtPriceToPrice(doubled).Float64()

	assert.InDelta(t, basePrice*4, doubledPrice, 1e-6)
}

func TestSqrtPriceToPriceMatchesKnownPoolReading(t *testing.T) {
	sqrtPriceX96, ok := new(big.Int).SetString("275467826341246019486853", 10)
	assert.True(t, ok)

	price := SqrtPriceToPrice(sqrtPriceX96)
	got, _ := price.Float64()
	assert.Greater(t, got, 0.0)
	// (275467826341246019486853 / 2^96)^2, computed exactly offline.
	assert.InEpsilon(t, 1.2088783414388357e-11, got, 1e-9)
}
