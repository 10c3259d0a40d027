// Package marketstore persists pools, outcomes, positions and trades in
// sqlite, and executes trades against the lmsr engine inside an exclusive
// transaction so two trades on one pool can never price off the same stale
// share snapshot.
package marketstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/champfutures/marketd/pkg/lmsr"
	"github.com/champfutures/marketd/pkg/market"
)

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Conn so pool-loading helpers
// work inside and outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

func NewStore(dbPath string) (*Store, error) {
	// the busy timeout makes concurrent exclusive transactions queue up
	// instead of failing immediately with SQLITE_BUSY
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=10000")
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) dbid(ctx context.Context, q querier, tableName, otheridName, otherid string) (int64, error) {
	var dbid int64

	query := fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", tableName, otheridName)

	err := q.QueryRowContext(ctx, query, otherid).Scan(&dbid)
	if err != nil {
		return 0, err
	}
	return dbid, nil
}

// poolRow is a pool header loaded straight from the pools table.
type poolRow struct {
	dbid            int64
	uuid            string
	seasonID        string
	poolType        string
	status          string
	liquidity       float64
	totalCollateral float64
	dateCreated     string
	dateConcluded   sql.NullString
	winningOutcome  sql.NullInt64
}

// outcomeRow is one outcome's authoritative state. Rows are always loaded
// ordered by primary key so an index into the slice is stable across the
// read and the write of one trade.
type outcomeRow struct {
	dbid          int64
	uuid          string
	participantID string
	shares        float64
}

func (s *Store) loadPool(ctx context.Context, q querier, poolUUID string) (*poolRow, []outcomeRow, error) {
	p := &poolRow{}
	err := q.QueryRowContext(ctx, `
		SELECT id, uuid, season_id, pool_type, status, liquidity,
			total_collateral, date_created, date_concluded, winning_outcome_id
		FROM pools WHERE uuid = ?`, poolUUID).Scan(
		&p.dbid, &p.uuid, &p.seasonID, &p.poolType, &p.status, &p.liquidity,
		&p.totalCollateral, &p.dateCreated, &p.dateConcluded, &p.winningOutcome)
	if err == sql.ErrNoRows {
		return nil, nil, market.ErrPoolNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, uuid, participant_id, shares_outstanding
		FROM pool_outcomes
		WHERE pool_id = ?
		ORDER BY id`, p.dbid)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	outcomes := []outcomeRow{}
	for rows.Next() {
		var o outcomeRow
		if err := rows.Scan(&o.dbid, &o.uuid, &o.participantID, &o.shares); err != nil {
			return nil, nil, err
		}
		outcomes = append(outcomes, o)
	}
	return p, outcomes, rows.Err()
}

// toPool projects a pool row plus its outcomes into the API entity, with
// prices recomputed from the share vector rather than read back from the
// last_price column.
func toPool(p *poolRow, outcomes []outcomeRow) *market.Pool {
	allShares := make([]float64, len(outcomes))
	for i, o := range outcomes {
		allShares[i] = o.shares
	}
	prices := lmsr.Prices(p.liquidity, allShares)

	pool := &market.Pool{
		ID:              p.uuid,
		SeasonID:        p.seasonID,
		Type:            p.poolType,
		Status:          market.PoolStatus(p.status),
		Liquidity:       p.liquidity,
		TotalCollateral: p.totalCollateral,
		MaxSubsidy:      lmsr.MaxSubsidy(p.liquidity, len(outcomes)),
		DateCreated:     p.dateCreated,
		DateConcluded:   p.dateConcluded.String,
	}
	for i, o := range outcomes {
		pool.Outcomes = append(pool.Outcomes, &market.PoolOutcome{
			ID:                o.uuid,
			PoolID:            p.uuid,
			ParticipantID:     o.participantID,
			SharesOutstanding: o.shares,
			Price:             prices[i],
		})
	}
	return pool
}

func (s *Store) CreateUser(ctx context.Context, username string, balance float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, balance, date_created)
		VALUES(?, ?, ?)`, username, balance, now())
	return err
}

func (s *Store) GetBalance(ctx context.Context, username string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM users WHERE username = ?`, username).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, market.ErrUserNotFound
	}
	return balance, err
}

// CreatePool creates an active pool with one outcome per participant, zero
// shares outstanding everywhere, and the uniform 1/n starting price. The
// liquidity constant is written here once and never updated again.
func (s *Store) CreatePool(ctx context.Context, seasonID, poolType string,
	liquidity float64, participantIDs []string) (string, error) {

	if liquidity <= 0 {
		return "", market.ErrInvalidLiquidity
	}
	if len(participantIDs) == 0 {
		return "", market.ErrNoOutcomes
	}

	poolUUID := shortuuid.New()
	created := now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pools (uuid, season_id, pool_type, status, liquidity,
			total_collateral, date_created)
		VALUES(?, ?, ?, ?, ?, 0, ?)`,
		poolUUID, seasonID, poolType, string(market.PoolActive), liquidity, created)
	if err != nil {
		return "", err
	}
	poolID, err := res.LastInsertId()
	if err != nil {
		return "", err
	}

	startPrice := 1.0 / float64(len(participantIDs))
	for _, participantID := range participantIDs {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO pool_outcomes (uuid, pool_id, participant_id,
				shares_outstanding, last_price, date_created)
			VALUES(?, ?, ?, 0, ?, ?)`,
			shortuuid.New(), poolID, participantID, startPrice, created)
		if err != nil {
			return "", err
		}
	}
	log.Info().Str("pool", poolUUID).Int("outcomes", len(participantIDs)).
		Float64("liquidity", liquidity).Msg("pool-created")
	return poolUUID, nil
}

func (s *Store) GetPool(ctx context.Context, poolUUID string) (*market.Pool, error) {
	p, outcomes, err := s.loadPool(ctx, s.db, poolUUID)
	if err != nil {
		return nil, err
	}
	return toPool(p, outcomes), nil
}

// ListPools returns all pools in the given status, or every pool when status
// is empty.
func (s *Store) ListPools(ctx context.Context, status market.PoolStatus) ([]*market.Pool, error) {
	query := `SELECT uuid FROM pools`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	uuids := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		uuids = append(uuids, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pools := []*market.Pool{}
	for _, u := range uuids {
		pool, err := s.GetPool(ctx, u)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// ExecuteTrade buys or sells `amount` shares of one outcome for a user. The
// whole read-validate-write cycle runs inside BEGIN EXCLUSIVE TRANSACTION,
// so the snapshot the trade is priced against is the snapshot it commits
// against. Trades on different pools only contend on the sqlite writer lock.
func (s *Store) ExecuteTrade(ctx context.Context, username, poolUUID, outcomeUUID string,
	amount float64, side market.TradeSide) (*market.Trade, error) {

	if amount <= 0 {
		return nil, market.ErrInvalidAmount
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE TRANSACTION;"); err != nil {
		return nil, err
	}
	defer conn.ExecContext(ctx, "ROLLBACK;")

	p, outcomes, err := s.loadPool(ctx, conn, poolUUID)
	if err != nil {
		return nil, err
	}
	if p.status != string(market.PoolActive) {
		return nil, market.ErrPoolConcluded
	}

	myIdx := -1
	allShares := make([]float64, len(outcomes))
	for i, o := range outcomes {
		allShares[i] = o.shares
		if o.uuid == outcomeUUID {
			myIdx = i
		}
	}
	if myIdx == -1 {
		return nil, market.ErrOutcomeNotFound
	}

	var userID int64
	var balance float64
	err = conn.QueryRowContext(ctx, `
		SELECT id, balance FROM users WHERE username = ?`, username).
		Scan(&userID, &balance)
	if err == sql.ErrNoRows {
		return nil, market.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	var held float64
	err = conn.QueryRowContext(ctx, `
		SELECT shares FROM positions
		WHERE user_id = ? AND outcome_id = ?`,
		userID, outcomes[myIdx].dbid).Scan(&held)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	delta := amount
	if side == market.SideSell {
		delta = -amount
		if amount > held {
			return nil, market.ErrInsufficientShares
		}
		if allShares[myIdx]-amount < 0 {
			return nil, market.ErrSharesExhausted
		}
	}

	cost := lmsr.CostForShares(p.liquidity, allShares, myIdx, delta)
	if side == market.SideBuy && cost > balance {
		return nil, market.ErrInsufficientFunds
	}

	tradeTime := now()
	newShares := allShares[myIdx] + delta
	allShares[myIdx] = newShares
	newPrice := lmsr.Price(p.liquidity, allShares, myIdx)

	if _, err = conn.ExecContext(ctx, `
		UPDATE users SET balance = ? WHERE id = ?`,
		balance-cost, userID); err != nil {
		return nil, err
	}
	if _, err = conn.ExecContext(ctx, `
		INSERT INTO positions (user_id, outcome_id, shares)
		VALUES(?, ?, ?)
		ON CONFLICT(user_id, outcome_id) DO UPDATE SET shares = shares + ?`,
		userID, outcomes[myIdx].dbid, delta, delta); err != nil {
		return nil, err
	}
	if _, err = conn.ExecContext(ctx, `
		UPDATE pool_outcomes
		SET shares_outstanding = ?, last_price = ?
		WHERE id = ?`, newShares, newPrice, outcomes[myIdx].dbid); err != nil {
		return nil, err
	}
	if _, err = conn.ExecContext(ctx, `
		UPDATE pools SET total_collateral = ? WHERE id = ?`,
		p.totalCollateral+cost, p.dbid); err != nil {
		return nil, err
	}

	tradeUUID := shortuuid.New()
	if _, err = conn.ExecContext(ctx, `
		INSERT INTO trades (uuid, user_id, outcome_id, amount, cost, new_price, date_created)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		tradeUUID, userID, outcomes[myIdx].dbid, delta, cost, newPrice, tradeTime); err != nil {
		return nil, err
	}

	if _, err = conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return nil, err
	}

	log.Debug().Str("pool", poolUUID).Str("outcome", outcomeUUID).
		Str("user", username).Float64("amount", delta).Float64("cost", cost).
		Float64("newPrice", newPrice).Msg("trade-executed")

	return &market.Trade{
		ID:          tradeUUID,
		UserID:      username,
		PoolID:      poolUUID,
		OutcomeID:   outcomeUUID,
		Amount:      delta,
		Cost:        cost,
		NewPrice:    newPrice,
		DateCreated: tradeTime,
	}, nil
}

// QuoteSharesForBudget answers "how many shares does this budget buy" from a
// plain snapshot read. The returned cost re-prices the found amount, so it
// never exceeds the budget.
func (s *Store) QuoteSharesForBudget(ctx context.Context, poolUUID, outcomeUUID string,
	budget float64) (shares, cost float64, err error) {

	p, outcomes, err := s.loadPool(ctx, s.db, poolUUID)
	if err != nil {
		return 0, 0, err
	}
	myIdx := -1
	allShares := make([]float64, len(outcomes))
	for i, o := range outcomes {
		allShares[i] = o.shares
		if o.uuid == outcomeUUID {
			myIdx = i
		}
	}
	if myIdx == -1 {
		return 0, 0, market.ErrOutcomeNotFound
	}
	shares = lmsr.SharesForCost(p.liquidity, allShares, myIdx, budget)
	cost = lmsr.CostForShares(p.liquidity, allShares, myIdx, shares)
	return shares, cost, nil
}

// ConcludePool freezes a pool. Share counts stop moving and become the basis
// for payout.
func (s *Store) ConcludePool(ctx context.Context, poolUUID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pools SET status = ?, date_concluded = ?
		WHERE uuid = ? AND status = ?`,
		string(market.PoolConcluded), now(), poolUUID, string(market.PoolActive))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.dbid(ctx, s.db, "pools", "uuid", poolUUID); err == sql.ErrNoRows {
			return market.ErrPoolNotFound
		} else if err != nil {
			return err
		}
		return market.ErrPoolConcluded
	}
	log.Info().Str("pool", poolUUID).Msg("pool-concluded")
	return nil
}

// ResolvePool settles a pool on its winning outcome: the pool is frozen if
// it is still active, and the entire collected collateral is pro-rated
// across holders of the winning outcome and credited to their balances.
// Resolving twice fails with ErrAlreadyResolved.
func (s *Store) ResolvePool(ctx context.Context, poolUUID, winningOutcomeUUID string) ([]market.PayoutRecord, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE TRANSACTION;"); err != nil {
		return nil, err
	}
	defer conn.ExecContext(ctx, "ROLLBACK;")

	p, outcomes, err := s.loadPool(ctx, conn, poolUUID)
	if err != nil {
		return nil, err
	}

	if p.winningOutcome.Valid {
		return nil, market.ErrAlreadyResolved
	}

	var winner *outcomeRow
	for i := range outcomes {
		if outcomes[i].uuid == winningOutcomeUUID {
			winner = &outcomes[i]
		}
	}
	if winner == nil {
		return nil, market.ErrOutcomeNotFound
	}

	// freezing and recording the winner in one statement keeps the pool
	// resolvable exactly once
	if _, err := conn.ExecContext(ctx, `
		UPDATE pools
		SET status = ?, date_concluded = COALESCE(date_concluded, ?),
			winning_outcome_id = ?
		WHERE id = ?`,
		string(market.PoolConcluded), now(), winner.dbid, p.dbid); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT users.id, users.username, users.balance, positions.shares
		FROM positions
		JOIN users ON positions.user_id = users.id
		WHERE positions.outcome_id = ? AND positions.shares > 0
		ORDER BY users.id`, winner.dbid)
	if err != nil {
		return nil, err
	}

	type holder struct {
		userID   int64
		username string
		balance  float64
		shares   float64
	}
	holders := []holder{}
	for rows.Next() {
		var h holder
		if err := rows.Scan(&h.userID, &h.username, &h.balance, &h.shares); err != nil {
			rows.Close()
			return nil, err
		}
		holders = append(holders, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resolveTime := now()
	payouts := []market.PayoutRecord{}
	for _, h := range holders {
		amount := lmsr.PotentialPayout(h.shares, winner.shares, p.totalCollateral)
		if _, err := conn.ExecContext(ctx, `
			UPDATE users SET balance = ? WHERE id = ?`,
			h.balance+amount, h.userID); err != nil {
			return nil, err
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO payouts (user_id, pool_id, shares, amount, date_created)
			VALUES(?, ?, ?, ?, ?)`,
			h.userID, p.dbid, h.shares, amount, resolveTime); err != nil {
			return nil, err
		}
		payouts = append(payouts, market.PayoutRecord{
			UserID: h.username,
			Shares: h.shares,
			Amount: amount,
		})
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return nil, err
	}
	log.Info().Str("pool", poolUUID).Str("winner", winningOutcomeUUID).
		Int("holders", len(payouts)).Float64("collateral", p.totalCollateral).
		Msg("pool-resolved")
	return payouts, nil
}

func (s *Store) GetPositions(ctx context.Context, username string) ([]*market.Position, error) {
	userID, err := s.dbid(ctx, s.db, "users", "username", username)
	if err == sql.ErrNoRows {
		return nil, market.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pools.uuid, pool_outcomes.uuid, positions.shares
		FROM positions
		JOIN pool_outcomes ON positions.outcome_id = pool_outcomes.id
		JOIN pools ON pool_outcomes.pool_id = pools.id
		WHERE positions.user_id = ? AND positions.shares != 0
		ORDER BY pool_outcomes.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []*market.Position{}
	for rows.Next() {
		pos := &market.Position{UserID: username}
		if err := rows.Scan(&pos.PoolID, &pos.OutcomeID, &pos.Shares); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// GetTrades lists executed trades, newest last, optionally filtered by pool
// and/or user, since a given time.
func (s *Store) GetTrades(ctx context.Context, poolUUID, username string,
	since time.Time, limit int) ([]*market.Trade, error) {

	wheres := []string{`trades.date_created >= ?`}
	wheresVars := []any{since.Format(time.RFC3339)}

	if username != "" {
		dbid, err := s.dbid(ctx, s.db, "users", "username", username)
		if err == sql.ErrNoRows {
			return nil, market.ErrUserNotFound
		}
		if err != nil {
			return nil, err
		}
		wheres = append(wheres, `trades.user_id = ?`)
		wheresVars = append(wheresVars, dbid)
	}

	if poolUUID != "" {
		dbid, err := s.dbid(ctx, s.db, "pools", "uuid", poolUUID)
		if err == sql.ErrNoRows {
			return nil, market.ErrPoolNotFound
		}
		if err != nil {
			return nil, err
		}
		wheres = append(wheres, `pool_outcomes.pool_id = ?`)
		wheresVars = append(wheresVars, dbid)
	}

	whereRendered := strings.Join(wheres, " AND ")
	limitRendered := ""
	if limit > 0 {
		limitRendered = fmt.Sprintf("LIMIT %d", limit)
	}
	fullQuery := fmt.Sprintf(`
		SELECT trades.uuid, users.username, pools.uuid, pool_outcomes.uuid,
			trades.amount, trades.cost, trades.new_price, trades.date_created
		FROM trades
		JOIN users ON trades.user_id = users.id
		JOIN pool_outcomes ON trades.outcome_id = pool_outcomes.id
		JOIN pools ON pool_outcomes.pool_id = pools.id
		WHERE %s
		ORDER BY trades.id
		%s
	`, whereRendered, limitRendered)
	log.Debug().Str("fullQuery", fullQuery).Str("storeMethod", "GetTrades").Msg("executing-query")
	rows, err := s.db.QueryContext(ctx, fullQuery, wheresVars...)
	if err != nil {
		return nil, err
	}
	trades := []*market.Trade{}
	defer rows.Close()
	for rows.Next() {
		trade := &market.Trade{}
		err = rows.Scan(&trade.ID, &trade.UserID, &trade.PoolID, &trade.OutcomeID,
			&trade.Amount, &trade.Cost, &trade.NewPrice, &trade.DateCreated)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}
