package lmsr

// BuyValidation is the structured result of checking a buy order against a
// market snapshot. A rejection here is an expected outcome, not a fault:
// Cost is still populated on an insufficient balance so a caller can show
// the trader what the order would have cost.
type BuyValidation struct {
	Valid    bool
	Cost     float64
	NewPrice float64
	Err      string
}

// SellValidation is the structured result of checking a sell order.
type SellValidation struct {
	Valid    bool
	Proceeds float64
	NewPrice float64
	Err      string
}

// ValidateBuyOrder checks a buy of `shares` shares of the outcome at idx
// against the trader's balance. Checks run in order: positive amount, index
// in range, affordable cost. NewPrice (the post-trade price of the outcome)
// is only computed once every check passes. The snapshot is never mutated;
// committing the share delta is the caller's job, against current persisted
// state, not a stale display copy.
func ValidateBuyOrder(b float64, allShares []float64, idx int, shares, balance float64) BuyValidation {
	checkLiquidity(b)
	if shares <= 0 {
		return BuyValidation{Err: "Amount must be positive"}
	}
	if idx < 0 || idx >= len(allShares) {
		return BuyValidation{Err: "Invalid outcome index"}
	}
	cost := CostForShares(b, allShares, idx, shares)
	if cost > balance {
		return BuyValidation{Cost: cost, Err: "Insufficient balance"}
	}
	after := make([]float64, len(allShares))
	copy(after, allShares)
	after[idx] += shares
	return BuyValidation{Valid: true, Cost: cost, NewPrice: Price(b, after, idx)}
}

// ValidateSellOrder checks a sell of `shares` shares of the outcome at idx.
// `held` is the trader's own position in that outcome. A sell may neither
// exceed the trader's holding nor drive the outcome's market-wide
// outstanding count below zero.
func ValidateSellOrder(b float64, allShares []float64, idx int, shares, held float64) SellValidation {
	checkLiquidity(b)
	if shares <= 0 {
		return SellValidation{Err: "Amount must be positive"}
	}
	if idx < 0 || idx >= len(allShares) {
		return SellValidation{Err: "Invalid outcome index"}
	}
	if shares > held {
		return SellValidation{Err: "Cannot sell more shares than owned"}
	}
	if allShares[idx]-shares < 0 {
		return SellValidation{Err: "Cannot sell more shares than outstanding"}
	}
	proceeds := -CostForShares(b, allShares, idx, -shares)
	after := make([]float64, len(allShares))
	copy(after, allShares)
	after[idx] -= shares
	return SellValidation{Valid: true, Proceeds: proceeds, NewPrice: Price(b, after, idx)}
}
