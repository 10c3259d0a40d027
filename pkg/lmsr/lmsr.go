// package lmsr implements a Logarithmic Market Scoring Rule

package lmsr

import (
	"fmt"
	"math"
)

// SearchBracketFactor bounds the bisection in SharesForCost. It assumes no
// realistic marginal price falls below one cent, so a collateral budget can
// never buy more than budget/0.01 shares.
const SearchBracketFactor = 100.0

// SearchTolerance is the absolute share-count precision of SharesForCost.
const SearchTolerance = 1e-4

func checkLiquidity(b float64) {
	if !(b > 0) {
		panic(fmt.Sprintf("lmsr: liquidity constant must be positive, got %v", b))
	}
}

func checkIndex(allShares []float64, idx int) {
	if idx < 0 || idx >= len(allShares) {
		panic(fmt.Sprintf("lmsr: share index %d out of range for %d outcomes", idx, len(allShares)))
	}
}

// Cost calculates the market maker's total liability C(q) = b * ln(Σ exp(q_i/b))
// given a liquidity constant (b) and the number of outstanding shares for all
// outcomes, represented as an array. It is evaluated through the log-sum-exp
// identity (subtract the max exponent, add it back after the log) so that
// large share counts against a small b stay finite instead of overflowing
// to +Inf. An empty market has no liability.
func Cost(b float64, allShares []float64) float64 {
	checkLiquidity(b)
	if len(allShares) == 0 {
		return 0
	}
	maxQ := allShares[0]
	for _, q := range allShares[1:] {
		if q > maxQ {
			maxQ = q
		}
	}
	sum := float64(0)
	for _, q := range allShares {
		sum += math.Exp((q - maxQ) / b)
	}
	return maxQ + b*math.Log(sum)
}

// Prices calculates the instantaneous price of every outcome: the softmax of
// allShares/b, stabilized the same way as Cost. Each entry is the partial
// derivative of Cost with respect to that outcome's share count, which reads
// as the market's implied probability. The entries always sum to 1.
func Prices(b float64, allShares []float64) []float64 {
	checkLiquidity(b)
	prices := make([]float64, len(allShares))
	if len(allShares) == 0 {
		return prices
	}
	maxQ := allShares[0]
	for _, q := range allShares[1:] {
		if q > maxQ {
			maxQ = q
		}
	}
	sum := float64(0)
	for i, q := range allShares {
		prices[i] = math.Exp((q - maxQ) / b)
		sum += prices[i]
	}
	for i := range prices {
		prices[i] /= sum
	}
	return prices
}

// Price calculates the price of a single outcome given a liquidity constant
// (b), the outstanding shares for all outcomes, and the index of this outcome
// in the array. It goes through Prices so the two can never diverge.
func Price(b float64, allShares []float64, shareIdx int) float64 {
	checkIndex(allShares, shareIdx)
	return Prices(b, allShares)[shareIdx]
}

// CostForShares calculates the collateral owed for trading `shares` shares of
// the outcome at idx: the cost-function delta between the post-trade and
// pre-trade share vectors. A positive amount is a buy and costs money; a
// negative amount is a sell and returns money. Because Cost is convex the
// delta charges the slippage-aware average price over the whole block, not
// the instantaneous price. The input vector is never mutated.
func CostForShares(b float64, allShares []float64, idx int, shares float64) float64 {
	checkLiquidity(b)
	checkIndex(allShares, idx)
	if shares == 0 {
		return 0
	}
	costBefore := Cost(b, allShares)
	after := make([]float64, len(allShares))
	copy(after, allShares)
	after[idx] += shares
	return Cost(b, after) - costBefore
}

// SharesForCost finds the largest non-negative share amount whose cost does
// not exceed the given collateral, by bisection over
// [0, collateral*SearchBracketFactor]. CostForShares is strictly increasing
// in the amount (Cost is convex), so the search is well-posed and converges
// in a fixed number of iterations. Non-positive collateral buys nothing.
func SharesForCost(b float64, allShares []float64, idx int, collateral float64) float64 {
	checkLiquidity(b)
	checkIndex(allShares, idx)
	if collateral <= 0 {
		return 0
	}
	low := float64(0)
	high := collateral * SearchBracketFactor
	for high-low >= SearchTolerance {
		mid := (low + high) / 2
		if CostForShares(b, allShares, idx, mid) < collateral {
			low = mid
		} else {
			high = mid
		}
	}
	return low
}

// AveragePrice is the per-share price actually paid for a block trade of the
// given size. A zero-size trade has no defined average and reports 0.
func AveragePrice(b float64, allShares []float64, idx int, shares float64) float64 {
	if shares == 0 {
		return 0
	}
	return CostForShares(b, allShares, idx, shares) / shares
}

// MaxSubsidy is the market operator's worst-case loss for a pool of n
// outcomes: b * ln(n).
func MaxSubsidy(b float64, n int) float64 {
	checkLiquidity(b)
	if n <= 0 {
		return 0
	}
	return b * math.Log(float64(n))
}

// OutcomeShares ties a participant to its outstanding share count.
type OutcomeShares struct {
	ParticipantID string
	Shares        float64
}

// OutcomePrice is the current implied probability of one participant.
type OutcomePrice struct {
	ParticipantID string
	Price         float64
}

// PoolPrices prices a whole pool for display, zipping the softmax back onto
// participant identifiers.
func PoolPrices(b float64, outcomes []OutcomeShares) []OutcomePrice {
	allShares := make([]float64, len(outcomes))
	for i, o := range outcomes {
		allShares[i] = o.Shares
	}
	prices := Prices(b, allShares)
	out := make([]OutcomePrice, len(outcomes))
	for i, o := range outcomes {
		out[i] = OutcomePrice{ParticipantID: o.ParticipantID, Price: prices[i]}
	}
	return out
}

// PotentialPayout pro-rates the pool's collected collateral across the
// winning outcome's shareholders. Holders of every other outcome get 0, as
// does everyone when no winning shares are outstanding.
func PotentialPayout(sharesOwned, totalWinningShares, totalCollateral float64) float64 {
	if totalWinningShares <= 0 {
		return 0
	}
	return (sharesOwned / totalWinningShares) * totalCollateral
}
