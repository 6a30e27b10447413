// Package fixedpoint implements the 18-decimal fixed-point arithmetic the
// execution engine relies on. Everything operates on big.Int so that results
// are bit-exact regardless of magnitude: normalized prices sit at 1e18 scale
// and intermediate variance terms reach 1e36, well past uint64.
package fixedpoint

import "math/big"

// Decimals is the canonical precision all prices are normalized to.
const Decimals = 18

// BpsDenominator converts fractional values to basis points.
const BpsDenominator = 10_000

// Scale is 10^Decimals.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

var bpsDenom = big.NewInt(BpsDenominator)

// Normalize rescales a raw oracle price from its source precision to
// 18 decimals. Sources above 18 decimals are truncated by integer division.
func Normalize(price *big.Int, sourceDecimals uint8) *big.Int {
	if price == nil {
		return new(big.Int)
	}
	if sourceDecimals == Decimals {
		return new(big.Int).Set(price)
	}
	if sourceDecimals < Decimals {
		factor := pow10(Decimals - int64(sourceDecimals))
		return new(big.Int).Mul(price, factor)
	}
	factor := pow10(int64(sourceDecimals) - Decimals)
	return new(big.Int).Quo(price, factor)
}

// Sqrt returns floor(sqrt(x)) using Babylonian iteration. The iteration
// terminates when the candidate stops decreasing, which for integer Newton
// steps is the fixed point at the floor. Sqrt of zero or a negative value
// is zero.
func Sqrt(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return new(big.Int)
	}
	one := big.NewInt(1)
	if x.Cmp(one) == 0 {
		return big.NewInt(1)
	}

	// Start at (x/2)+1, always above the true root for x > 1.
	z := new(big.Int).Rsh(x, 1)
	z.Add(z, one)
	y := new(big.Int).Set(x)
	for z.Cmp(y) < 0 {
		y.Set(z)
		// z = (y + x/y) / 2
		z = new(big.Int).Quo(x, y)
		z.Add(z, y)
		z.Rsh(z, 1)
	}
	return y
}

// SignedReturn computes the relative price change (new - old) * Scale / old.
// A non-positive input on either side yields zero: the caller is either
// seeding the history or holding invalid data, and neither produces a sample.
func SignedReturn(oldPrice, newPrice *big.Int) *big.Int {
	if oldPrice == nil || newPrice == nil || oldPrice.Sign() <= 0 || newPrice.Sign() <= 0 {
		return new(big.Int)
	}
	diff := new(big.Int).Sub(newPrice, oldPrice)
	diff.Mul(diff, Scale)
	return diff.Quo(diff, oldPrice)
}

// PriceImpactBps measures the absolute deviation of actual from expected in
// basis points. Zero expected yields zero impact.
func PriceImpactBps(expected, actual *big.Int) uint64 {
	if expected == nil || actual == nil || expected.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(actual, expected)
	diff.Abs(diff)
	diff.Mul(diff, bpsDenom)
	diff.Quo(diff, new(big.Int).Abs(expected))
	if !diff.IsUint64() {
		// Saturate; any plausible ceiling is far below this.
		return ^uint64(0)
	}
	return diff.Uint64()
}

// ChunkSize returns the size of the next chunk for an order split into
// totalChunks pieces with executedChunks already filled. Plain integer
// division sizes every chunk except the last remaining one, which absorbs
// the truncation remainder so the chunks sum exactly to totalAmount.
func ChunkSize(totalAmount *big.Int, totalChunks, executedChunks uint32) *big.Int {
	if totalAmount == nil || totalChunks == 0 || executedChunks >= totalChunks {
		return new(big.Int)
	}
	chunks := new(big.Int).SetUint64(uint64(totalChunks))
	base, rem := new(big.Int).QuoRem(totalAmount, chunks, new(big.Int))
	if executedChunks == totalChunks-1 {
		base.Add(base, rem)
	}
	return base
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
