package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TranchePool/internal/math"
	"TranchePool/internal/observability"
	"TranchePool/internal/state"
)

// ParamsSource exposes the current pool configuration for quote endpoints.
// The core implements it; params only change through serialized admin events.
type ParamsSource interface {
	Params() state.PoolParams
}

// QueryService provides read-only access to projection tables.
// All responses include as_of_sequence for freshness semantics: the value
// is the projection watermark, which may trail the core by a few events.
type QueryService struct {
	db      *sql.DB
	params  ParamsSource
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, params ParamsSource, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, params: params, metrics: metrics}
}

// GetPoolStats returns the pool-level aggregates from projections.pool_state.
func (qs *QueryService) GetPoolStats(ctx context.Context) (*PoolStatsResponse, error) {
	defer qs.observe("pool_stats", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &PoolStatsResponse{AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_deposited, pool_balance, policy, epoch_cap, carryover_shortfall, paused
		FROM projections.pool_state
		WHERE pool_id = 'main'
	`).Scan(&resp.TotalDeposited, &resp.PoolBalance, &resp.Policy,
		&resp.EpochCap, &resp.CarryoverShortfall, &resp.Paused)
	if err == sql.ErrNoRows {
		return resp, nil // Pool not initialized yet
	}
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// GetUserPosition returns a user's tranche principal view.
func (qs *QueryService) GetUserPosition(ctx context.Context, userID uuid.UUID) (*UserPositionResponse, error) {
	defer qs.observe("user_position", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &UserPositionResponse{UserID: userID, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT senior_deposited, junior_deposited, senior_matured, junior_matured
		FROM projections.positions
		WHERE user_id = $1
	`, userID.String()).Scan(&resp.SeniorDeposited, &resp.JuniorDeposited,
		&resp.SeniorMatured, &resp.JuniorMatured)
	if err == sql.ErrNoRows {
		return resp, nil // No position — all zeros
	}
	if err != nil {
		return nil, err
	}

	resp.TotalDeposited = resp.SeniorDeposited + resp.JuniorDeposited
	return resp, nil
}

// GetEpochStats returns one epoch's lifecycle and payout view.
func (qs *QueryService) GetEpochStats(ctx context.Context, epochID string) (*EpochStatsResponse, error) {
	defer qs.observe("epoch_stats", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &EpochStatsResponse{EpochID: epochID, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT start_ts, end_ts, triggered, closed, severity_bps,
		       snapshot_pool_balance, snapshot_weighted_total, total_paid_out, shortfall
		FROM projections.epochs
		WHERE epoch_id = $1
	`, epochID).Scan(&resp.StartTS, &resp.EndTS, &resp.Triggered, &resp.Closed,
		&resp.SeverityBps, &resp.SnapshotPoolBalance, &resp.SnapshotWeightedTotal,
		&resp.TotalPaidOut, &resp.Shortfall)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown epoch %q", epochID)
	}
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// ListEpochs returns recent epochs, newest first.
func (qs *QueryService) ListEpochs(ctx context.Context, limit int) ([]EpochStatsResponse, error) {
	defer qs.observe("list_epochs", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT epoch_id, start_ts, end_ts, triggered, closed, severity_bps,
		       snapshot_pool_balance, snapshot_weighted_total, total_paid_out, shortfall
		FROM projections.epochs
		ORDER BY last_sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epochs []EpochStatsResponse
	for rows.Next() {
		var e EpochStatsResponse
		e.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&e.EpochID, &e.StartTS, &e.EndTS, &e.Triggered, &e.Closed, &e.SeverityBps,
			&e.SnapshotPoolBalance, &e.SnapshotWeightedTotal, &e.TotalPaidOut, &e.Shortfall,
		); err != nil {
			return nil, err
		}
		epochs = append(epochs, e)
	}

	return epochs, rows.Err()
}

// GetClaims returns a user's settled claims, newest first.
func (qs *QueryService) GetClaims(ctx context.Context, userID uuid.UUID, limit int) ([]ClaimResponse, error) {
	defer qs.observe("claims", time.Now())

	rows, err := qs.db.QueryContext(ctx, `
		SELECT epoch_id, amount, sequence, claimed_at
		FROM projections.claims
		WHERE user_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, userID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []ClaimResponse
	for rows.Next() {
		c := ClaimResponse{UserID: userID}
		if err := rows.Scan(&c.EpochID, &c.Amount, &c.Sequence, &c.ClaimedAt); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}

	return claims, rows.Err()
}

// QuoteDeposit previews the fee split for a prospective deposit.
func (qs *QueryService) QuoteDeposit(ctx context.Context, gross int64, hasReferrer bool) (*DepositQuote, error) {
	defer qs.observe("quote_deposit", time.Now())

	if gross <= 0 {
		return nil, fmt.Errorf("gross amount must be positive: %d", gross)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	params := qs.params.Params()
	fees := math.ComputeFees(gross, params.ProtocolFeeBps, params.ReferralFeeBps, hasReferrer)

	return &DepositQuote{
		GrossAmount:  gross,
		ProtocolFee:  fees.ProtocolFee,
		ReferralFee:  fees.ReferralFee,
		NetAmount:    fees.Net,
		AsOfSequence: asOfSeq,
	}, nil
}

// QuoteWithdraw previews whether matured lots cover a withdrawal.
func (qs *QueryService) QuoteWithdraw(ctx context.Context, userID uuid.UUID, tranche string, amount int64) (*WithdrawQuote, error) {
	defer qs.observe("quote_withdraw", time.Now())

	t, err := state.ParseTranche(tranche)
	if err != nil {
		return nil, err
	}

	pos, err := qs.GetUserPosition(ctx, userID)
	if err != nil {
		return nil, err
	}

	matured := pos.SeniorMatured
	if t == state.TrancheJunior {
		matured = pos.JuniorMatured
	}

	return &WithdrawQuote{
		UserID:          userID,
		Tranche:         tranche,
		RequestedAmount: amount,
		MaturedTotal:    matured,
		Withdrawable:    amount > 0 && matured >= amount,
		AsOfSequence:    pos.AsOfSequence,
	}, nil
}

// QuoteUserPayout previews a user's entitlement against a triggered epoch.
// Mirrors the core's computation from projected state; the core remains the
// authority at claim time.
func (qs *QueryService) QuoteUserPayout(ctx context.Context, userID uuid.UUID, epochID string) (*PayoutQuote, error) {
	defer qs.observe("quote_payout", time.Now())

	ep, err := qs.GetEpochStats(ctx, epochID)
	if err != nil {
		return nil, err
	}
	if !ep.Triggered || ep.Closed {
		return nil, fmt.Errorf("epoch %q is not claimable", epochID)
	}

	pos, err := qs.GetUserPosition(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := qs.params.Params()
	weighted := math.WeightedStake(pos.SeniorDeposited, pos.JuniorDeposited,
		params.WeightSeniorBps, params.WeightJuniorBps)

	quote := &PayoutQuote{
		UserID:        userID,
		EpochID:       epochID,
		WeightedStake: weighted,
		AsOfSequence:  ep.AsOfSequence,
	}

	var alreadyPaid int
	err = qs.db.QueryRowContext(ctx, `
		SELECT 1 FROM projections.claims WHERE epoch_id = $1 AND user_id = $2
	`, epochID, userID.String()).Scan(&alreadyPaid)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil {
		quote.AlreadyPaid = true
		return quote, nil
	}

	if weighted == 0 || ep.SnapshotWeightedTotal == 0 {
		return quote, nil
	}

	base := math.BpsOf(ep.SnapshotPoolBalance, ep.SeverityBps)
	entitlement := math.MulDiv(base, weighted, ep.SnapshotWeightedTotal)

	if params.Policy == state.PolicyCapped && params.DefaultUserCapBps > 0 {
		userCap := math.BpsOf(weighted, params.DefaultUserCapBps)
		if entitlement > userCap {
			entitlement = userCap
		}
	}
	if params.Policy == state.PolicyEpochBounded && params.EpochCap > 0 {
		room := params.EpochCap - ep.TotalPaidOut
		if room < 0 {
			room = 0
		}
		if entitlement > room {
			entitlement = room
		}
	}

	quote.Entitlement = entitlement
	return quote, nil
}

// GetJournalHistory returns journal entries touching a user's accounts,
// with cursor-based pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	defer qs.observe("journal_history", time.Now())

	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE debit_account LIKE $1 OR credit_account LIKE $1
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain and global balance invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("verify_integrity", time.Now())

	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}

	// Global balance should sum to zero across all accounts per asset
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	qs.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
}
