package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"TranchePool/internal/observability"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	EpochID        *string
	JournalEntries []JournalEntry
	Epoch          *EpochUpdate
	Claim          *ClaimEntry
	Position       *PositionUpdate
	PoolState      *PoolStateUpdate
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// EpochUpdate carries the epoch's post-event state for the epochs projection.
type EpochUpdate struct {
	ID                    string
	StartTS               int64
	EndTS                 int64
	Triggered             bool
	Closed                bool
	SeverityBps           int64
	SnapshotPoolBalance   int64
	SnapshotWeightedTotal int64
	TotalPaidOut          int64
	Shortfall             int64
}

// ClaimEntry is one settled claim for the claims projection.
type ClaimEntry struct {
	EpochID string
	UserID  string
	Amount  int64
}

// PositionUpdate carries a user's post-event tranche totals.
type PositionUpdate struct {
	UserID          string
	SeniorDeposited int64
	JuniorDeposited int64
	SeniorMatured   int64
	JuniorMatured   int64
}

// PoolStateUpdate carries the singleton pool aggregates.
type PoolStateUpdate struct {
	TotalDeposited     int64
	PoolBalance        int64
	Policy             string
	EpochCap           int64
	CarryoverShortfall int64
	Paused             bool
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		log:       observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, output.Sequence, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if output.Epoch != nil {
		if err := pw.updateEpochProjection(ctx, tx, output.Sequence, output.Epoch); err != nil {
			return fmt.Errorf("epoch projection: %w", err)
		}
	}

	if output.Claim != nil {
		if err := pw.updateClaimProjection(ctx, tx, output.Sequence, output.Timestamp, output.Claim); err != nil {
			return fmt.Errorf("claim projection: %w", err)
		}
	}

	if output.Position != nil {
		if err := pw.updatePositionProjection(ctx, tx, output.Sequence, output.Position); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	if output.PoolState != nil {
		if err := pw.updatePoolStateProjection(ctx, tx, output.Sequence, output.PoolState); err != nil {
			return fmt.Errorf("pool state projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, sequence int64, j JournalEntry) error {
	// Debit account: decrease balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, sequence); err != nil {
		return err
	}

	// Credit account: increase balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, sequence); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) updateEpochProjection(ctx context.Context, tx *sql.Tx, sequence int64, ep *EpochUpdate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.epochs
			(epoch_id, start_ts, end_ts, triggered, closed, severity_bps,
			 snapshot_pool_balance, snapshot_weighted_total, total_paid_out, shortfall, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (epoch_id) DO UPDATE SET
			triggered = $4, closed = $5, severity_bps = $6,
			snapshot_pool_balance = $7, snapshot_weighted_total = $8,
			total_paid_out = $9, shortfall = $10, last_sequence = $11
	`, ep.ID, ep.StartTS, ep.EndTS, ep.Triggered, ep.Closed, ep.SeverityBps,
		ep.SnapshotPoolBalance, ep.SnapshotWeightedTotal, ep.TotalPaidOut, ep.Shortfall, sequence)
	return err
}

func (pw *ProjectionWorker) updateClaimProjection(ctx context.Context, tx *sql.Tx, sequence, timestamp int64, c *ClaimEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.claims (epoch_id, user_id, amount, sequence, claimed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (epoch_id, user_id) DO NOTHING
	`, c.EpochID, c.UserID, c.Amount, sequence, timestamp)
	return err
}

func (pw *ProjectionWorker) updatePositionProjection(ctx context.Context, tx *sql.Tx, sequence int64, p *PositionUpdate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(user_id, senior_deposited, junior_deposited, senior_matured, junior_matured, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			senior_deposited = $2, junior_deposited = $3,
			senior_matured = $4, junior_matured = $5, last_sequence = $6
	`, p.UserID, p.SeniorDeposited, p.JuniorDeposited, p.SeniorMatured, p.JuniorMatured, sequence)
	return err
}

func (pw *ProjectionWorker) updatePoolStateProjection(ctx context.Context, tx *sql.Tx, sequence int64, s *PoolStateUpdate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_state
			(pool_id, total_deposited, pool_balance, policy, epoch_cap, carryover_shortfall, paused, last_sequence)
		VALUES ('main', $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pool_id) DO UPDATE SET
			total_deposited = $1, pool_balance = $2, policy = $3,
			epoch_cap = $4, carryover_shortfall = $5, paused = $6, last_sequence = $7
	`, s.TotalDeposited, s.PoolBalance, s.Policy, s.EpochCap, s.CarryoverShortfall, s.Paused, sequence)
	return err
}

// RebuildProjections rebuilds projection tables from the event log.
// Balances come straight from the journal; epochs and claims are rebuilt
// by the orchestrator replaying events through the core.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.epochs`,
		`TRUNCATE projections.claims`,
		`TRUNCATE projections.positions`,
		`DELETE FROM projections.pool_state WHERE pool_id = 'main'`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Rebuild credit side
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	// Subtract debits
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Claims restore directly from the durable receipts
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.claims (epoch_id, user_id, amount, sequence, claimed_at)
		SELECT epoch_id, user_id, amount, sequence, timestamp
		FROM event_log.claim_receipts
		ON CONFLICT (epoch_id, user_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("rebuild claims: %w", err)
	}

	logger := observability.NewLogger("projection")
	logger.Info().Msg("projection rebuild complete")
	return nil
}
