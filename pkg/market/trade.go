package market

// TradeSide selects the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Trade is one executed order. Amount and Cost are signed: a sell carries a
// negative amount and a negative cost (collateral returned to the trader).
type Trade struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	PoolID      string  `json:"poolId"`
	OutcomeID   string  `json:"outcomeId"`
	Amount      float64 `json:"amount"`
	Cost        float64 `json:"cost"`
	NewPrice    float64 `json:"newPrice"`
	DateCreated string  `json:"dateCreated"`
}
