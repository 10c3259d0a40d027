// Package market defines the entities shared by the pool store and the
// trade API.
package market

// PoolStatus is the lifecycle state of a pool. A concluded pool accepts no
// further trades; its share counts become the basis for payout.
type PoolStatus string

const (
	PoolActive    PoolStatus = "active"
	PoolConcluded PoolStatus = "concluded"
)

// Pool is one multi-outcome market. Liquidity is fixed at creation and never
// changes afterwards; rewriting it mid-life would silently move every
// trader's cost basis.
type Pool struct {
	ID              string         `json:"id"`
	SeasonID        string         `json:"seasonId"`
	Type            string         `json:"type"`
	Status          PoolStatus     `json:"status"`
	Liquidity       float64        `json:"liquidity"`
	TotalCollateral float64        `json:"totalCollateral"`
	MaxSubsidy      float64        `json:"maxSubsidy"`
	DateCreated     string         `json:"dateCreated"`
	DateConcluded   string         `json:"dateConcluded,omitempty"`
	Outcomes        []*PoolOutcome `json:"outcomes"`
}

// PoolOutcome is one mutually-exclusive result within a pool. Price is a
// read-model projection; the authoritative state is SharesOutstanding plus
// the pool's liquidity constant.
type PoolOutcome struct {
	ID                string  `json:"id"`
	PoolID            string  `json:"poolId"`
	ParticipantID     string  `json:"participantId"`
	SharesOutstanding float64 `json:"sharesOutstanding"`
	Price             float64 `json:"price"`
}

// Position is a user's holding in one outcome.
type Position struct {
	UserID    string  `json:"userId"`
	PoolID    string  `json:"poolId"`
	OutcomeID string  `json:"outcomeId"`
	Shares    float64 `json:"shares"`
}

// PayoutRecord is one user's slice of a resolved pool's collateral.
type PayoutRecord struct {
	UserID string  `json:"userId"`
	Shares float64 `json:"shares"`
	Amount float64 `json:"amount"`
}
