package market

import "errors"

var (
	ErrPoolNotFound       = errors.New("pool not found")
	ErrOutcomeNotFound    = errors.New("outcome not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrPoolConcluded      = errors.New("pool is concluded")
	ErrAlreadyResolved    = errors.New("pool already resolved")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidLiquidity   = errors.New("liquidity must be positive")
	ErrNoOutcomes         = errors.New("pool needs at least one outcome")
	ErrInsufficientFunds  = errors.New("not enough balance for this trade")
	ErrInsufficientShares = errors.New("cannot sell more shares than owned")
	ErrSharesExhausted    = errors.New("cannot sell more shares than outstanding")
)
