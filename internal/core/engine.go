package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"TranchePool/internal/event"
	"TranchePool/internal/ledger"
	"TranchePool/internal/math"
	"TranchePool/internal/observability"
	"TranchePool/internal/state"
)

// TransferKind classifies outbound transfer authorizations for the
// external custody executor.
type TransferKind int32

const (
	TransferWithdrawal TransferKind = iota
	TransferClaim
	TransferDustSweep
)

func (k TransferKind) String() string {
	switch k {
	case TransferWithdrawal:
		return "withdrawal"
	case TransferClaim:
		return "claim"
	case TransferDustSweep:
		return "dust_sweep"
	default:
		return "unknown"
	}
}

// TransferAuthorization instructs the custody executor to move funds out of
// the vault. The core only authorizes; it never touches real assets.
type TransferAuthorization struct {
	AuthorizationID uuid.UUID
	Kind            TransferKind
	UserID          uuid.UUID // zero for dust sweeps (destination is treasury)
	EpochID         string    // set for claim payouts
	Asset           string
	Amount          int64
	Timestamp       int64
}

// CoreOutput is the atomic unit handed to the persistence and projection
// workers: the envelope, its journals, and any claim receipt and transfer
// authorization produced by the same event. The persistence worker writes
// all of it in one transaction.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Receipt    *state.ClaimReceipt
	Transfer   *TransferAuthorization

	// Projection deltas, captured while the event is still the latest one
	// applied. The projection workers run on other goroutines and must not
	// read core state directly.
	Epoch    *EpochDelta
	Position *PositionDelta
	Pool     *PoolDelta
}

// EpochDelta is the epoch's state after the event, for projections.
type EpochDelta struct {
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

// PositionDelta is one user's tranche totals after the event.
type PositionDelta struct {
	UserID          uuid.UUID
	SeniorDeposited int64
	JuniorDeposited int64
	SeniorMatured   int64
	JuniorMatured   int64
}

// PoolDelta is the pool-wide aggregate state after the event.
type PoolDelta struct {
	TotalDeposited     int64
	PoolBalance        int64
	Policy             string
	EpochCap           int64
	CarryoverShortfall int64
	Paused             bool
}

// dispatchResult carries a handler's outputs back to the pipeline.
type dispatchResult struct {
	batch    *ledger.Batch
	receipt  *state.ClaimReceipt
	transfer *TransferAuthorization
}

// PoolCore is the single-threaded event processor. All pool state lives
// here; everything downstream is a projection of its event log.
type PoolCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.Validator
	positions         *state.PositionManager
	epochs            *state.EpochManager
	claims            *state.ClaimRegistry
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	// nil until InitializePool is processed
	params *state.PoolParams
	access *state.AccessControl

	assetID            ledger.AssetID
	paused             bool
	carryoverShortfall int64

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewPoolCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *PoolCore {
	balanceTracker := ledger.NewBalanceTracker()

	return &PoolCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(startSequence),
		validator:         ledger.NewValidator(balanceTracker),
		positions:         state.NewPositionManager(),
		epochs:            state.NewEpochManager(),
		claims:            state.NewClaimRegistry(),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *PoolCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := c.getPartition(evt)
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. Handlers validate everything before mutating, so a
	// returned error means no state was touched.
	result, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, KindOf(err).String()).Inc()
		}
		return err
	}

	batch := result.batch

	// Step 4: Validate and apply journals. State-only events carry an empty
	// batch but still get an envelope in the event log.
	if len(batch.Journals) > 0 {
		if err := batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return fmt.Errorf("apply batch failed: %w", err)
		}
		if c.metrics != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	// Step 5: State hash chain
	stateDigest := c.computeStateDigest(batch)
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	epochID := evt.EpochID()
	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		EpochID:        epochID,
		Payload:        event.MarshalPayload(evt),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		StateHash:      stateHash,
		PrevHash:       c.hasher.GetPrevHash(),
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
		Receipt:    result.receipt,
		Transfer:   result.transfer,
	}
	c.attachProjectionDeltas(&output, evt)
	c.sequence++
	c.journalGen.SetSequence(c.sequence)

	// Step 6: Post-checks. A violation here means money was created or
	// destroyed, which is unrecoverable.
	if err := c.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Emit. Persistence uses a BLOCKING send (backpressure, no event
	// is lost); projections a NON-BLOCKING send (rebuildable from the log).
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
	}

	// Step 8: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.PoolBalance.Set(float64(c.balanceTracker.GetPoolBalance(c.assetID)))
		if c.paused {
			c.metrics.PoolPaused.Set(1)
		} else {
			c.metrics.PoolPaused.Set(0)
		}
	}

	return nil
}

// ReplayEvent re-applies a logged event during recovery. Same pipeline as
// ProcessEvent except nothing is emitted downstream: the log rows already
// exist and the workers are not running yet. Dedup uses only the in-memory
// LRU because the DB tier sees every logged event as already processed.
func (c *PoolCore) ReplayEvent(evt event.Event) error {
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	isDuplicate := c.idempotency.IsDuplicateLocal(eventType, idempotencyKey)

	partition := c.getPartition(evt)
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		return fmt.Errorf("sequence validation failed: %w", err)
	}
	if isDuplicate {
		return nil
	}

	result, err := c.dispatchEvent(evt)
	if err != nil {
		return err
	}

	batch := result.batch
	if len(batch.Journals) > 0 {
		if err := batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return fmt.Errorf("apply batch failed: %w", err)
		}
	}

	stateDigest := c.computeStateDigest(batch)
	c.hasher.ComputeHash(c.sequence, stateDigest)
	c.sequence++
	c.journalGen.SetSequence(c.sequence)

	if err := c.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	return nil
}

// attachProjectionDeltas captures post-event state slices for the projection
// worker. Runs on the core goroutine while the event is still the latest one
// applied, so the reads need no synchronization.
func (c *PoolCore) attachProjectionDeltas(output *CoreOutput, evt event.Event) {
	if c.params != nil {
		output.Pool = &PoolDelta{
			TotalDeposited:     c.positions.TotalDeposited(),
			PoolBalance:        c.balanceTracker.GetPoolBalance(c.assetID),
			Policy:             c.params.Policy.String(),
			EpochCap:           c.params.EpochCap,
			CarryoverShortfall: c.carryoverShortfall,
			Paused:             c.paused,
		}
	}

	if epochID := evt.EpochID(); epochID != nil {
		if ep, err := c.epochs.Get(*epochID); err == nil {
			output.Epoch = &EpochDelta{
				ID:                    ep.ID,
				StartTS:               ep.StartTS,
				EndTS:                 ep.EndTS,
				Triggered:             ep.Triggered,
				Closed:                ep.Closed,
				SeverityBps:           ep.SeverityBps,
				SnapshotPoolBalance:   ep.SnapshotPoolBalance,
				SnapshotWeightedTotal: ep.SnapshotWeightedTotal,
				TotalPaidOut:          ep.TotalPaidOut,
				Shortfall:             ep.Shortfall,
			}
		}
	}

	var userID uuid.UUID
	var now int64
	switch e := evt.(type) {
	case *event.DepositRequested:
		userID, now = e.UserID, e.Timestamp.Unix()
	case *event.WithdrawalRequested:
		userID, now = e.UserID, e.Timestamp.Unix()
	case *event.PayoutRequested:
		userID, now = e.UserID, e.Timestamp.Unix()
	default:
		return
	}

	pos := c.positions.Get(userID)
	if pos == nil || c.params == nil {
		return
	}
	lockup := c.params.LockupSeconds
	output.Position = &PositionDelta{
		UserID:          userID,
		SeniorDeposited: pos.Deposited(state.TrancheSenior),
		JuniorDeposited: pos.Deposited(state.TrancheJunior),
		SeniorMatured:   pos.MaturedTotal(state.TrancheSenior, now, lockup),
		JuniorMatured:   pos.MaturedTotal(state.TrancheJunior, now, lockup),
	}
}

// getPartition determines the partition key for sequence validation
func (c *PoolCore) getPartition(evt event.Event) string {
	if epochID := evt.EpochID(); epochID != nil {
		return fmt.Sprintf("epoch:%s", *epochID)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from an event. The
// core never calls time.Now() for domain decisions; all timestamps are
// versioned inputs.
func (c *PoolCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.InitializePool:
		return e.Timestamp
	case *event.SetPaused:
		return e.Timestamp
	case *event.SetPolicy:
		return e.Timestamp
	case *event.SetCurve:
		return e.Timestamp
	case *event.ReporterUpdate:
		return e.Timestamp
	case *event.StartEpoch:
		return e.Timestamp
	case *event.DepositRequested:
		return e.Timestamp
	case *event.WithdrawalRequested:
		return e.Timestamp
	case *event.TriggerReported:
		return e.Timestamp
	case *event.FinalizeEpoch:
		return e.Timestamp
	case *event.PayoutRequested:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T", evt))
	}
}

func (c *PoolCore) dispatchEvent(evt event.Event) (dispatchResult, error) {
	switch e := evt.(type) {
	case *event.InitializePool:
		return c.handleInitializePool(e)
	case *event.SetPaused:
		return c.handleSetPaused(e)
	case *event.SetPolicy:
		return c.handleSetPolicy(e)
	case *event.SetCurve:
		return c.handleSetCurve(e)
	case *event.ReporterUpdate:
		return c.handleReporterUpdate(e)
	case *event.StartEpoch:
		return c.handleStartEpoch(e)
	case *event.DepositRequested:
		return c.handleDeposit(e)
	case *event.WithdrawalRequested:
		return c.handleWithdrawal(e)
	case *event.TriggerReported:
		return c.handleTrigger(e)
	case *event.FinalizeEpoch:
		return c.handleFinalize(e)
	case *event.PayoutRequested:
		return c.handlePayout(e)
	default:
		return dispatchResult{}, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (c *PoolCore) requireInitialized(op string) error {
	if c.params == nil {
		return reject(op, ErrNotInitialized)
	}
	return nil
}

func (c *PoolCore) requireAdmin(op string, caller uuid.UUID) error {
	if err := c.requireInitialized(op); err != nil {
		return err
	}
	if !c.access.IsAdmin(caller) {
		return reject(op, fmt.Errorf("%w: caller %s is not admin", ErrUnauthorized, caller))
	}
	return nil
}

func (c *PoolCore) handleInitializePool(evt *event.InitializePool) (dispatchResult, error) {
	const op = "initialize_pool"

	if c.params != nil {
		return dispatchResult{}, reject(op, ErrAlreadyInitialized)
	}

	params := evt.Params
	if err := params.Validate(); err != nil {
		return dispatchResult{}, reject(op, err)
	}
	assetID, ok := ledger.GetAssetID(params.Asset)
	if !ok {
		return dispatchResult{}, reject(op, fmt.Errorf("unknown asset: %s", params.Asset))
	}

	c.params = &params
	c.assetID = assetID
	c.access = state.NewAccessControl(evt.Caller)
	c.paused = false

	return dispatchResult{batch: c.journalGen.EmptyBatch(evt.IdempotencyKey(), evt.Timestamp.Unix())}, nil
}

func (c *PoolCore) handleSetPaused(evt *event.SetPaused) (dispatchResult, error) {
	const op = "set_paused"

	if err := c.requireAdmin(op, evt.Caller); err != nil {
		return dispatchResult{}, err
	}

	c.paused = evt.Paused
	return dispatchResult{batch: c.journalGen.EmptyBatch(evt.IdempotencyKey(), evt.Timestamp.Unix())}, nil
}

func (c *PoolCore) handleSetPolicy(evt *event.SetPolicy) (dispatchResult, error) {
	const op = "set_policy"

	if err := c.requireAdmin(op, evt.Caller); err != nil {
		return dispatchResult{}, err
	}

	updated := *c.params
	updated.Policy = evt.Policy
	updated.EpochCap = evt.EpochCap
	if err := updated.Validate(); err != nil {
		return dispatchResult{}, reject(op, err)
	}
	c.params = &updated

	return dispatchResult{batch: c.journalGen.EmptyBatch(evt.IdempotencyKey(), evt.Timestamp.Unix())}, nil
}

func (c *PoolCore) handleSetCurve(evt *event.SetCurve) (dispatchResult, error) {
	const op = "set_curve_and_weights"

	if err := c.requireAdmin(op, evt.Caller); err != nil {
		return dispatchResult{}, err
	}

	updated := *c.params
	updated.CurveA = evt.CurveA
	updated.CurveB = evt.CurveB
	updated.CurveC = evt.CurveC
	updated.SeverityFloorBps = evt.SeverityFloorBps
	updated.WeightSeniorBps = evt.WeightSeniorBps
	updated.WeightJuniorBps = evt.WeightJuniorBps
	if err := updated.Validate(); err != nil {
		return dispatchResult{}, reject(op, err)
	}
	c.params = &updated

	return dispatchResult{batch: c.journalGen.EmptyBatch(evt.IdempotencyKey(), evt.Timestamp.Unix())}, nil
}

func (c *PoolCore) handleReporterUpdate(evt *event.ReporterUpdate) (dispatchResult, error) {
	const op = "reporter_update"

	if err := c.requireAdmin(op, evt.Caller); err != nil {
		return dispatchResult{}, err
	}

	if evt.Remove {
		c.access.RemoveReporter(evt.Reporter)
	} else {
		c.access.AddReporter(evt.Reporter)
	}

	return dispatchResult{batch: c.journalGen.EmptyBatch(evt.IdempotencyKey(), evt.Timestamp.Unix())}, nil
}

func (c *PoolCore) handleStartEpoch(evt *event.StartEpoch) (dispatchResult, error) {
	const op = "start_epoch"

	if err := c.requireAdmin(op, evt.Caller); err != nil {
		return dispatchResult{}, err
	}

	if _, err := c.epochs.Start(evt.Epoch, evt.StartTS, evt.EndTS, c.params.RollingMode); err != nil {
		return dispatchResult{}, reject(op, err)
	}
	if c.metrics != nil {
		c.metrics.EpochsStarted.Inc()
	}

	return dispatchResult{batch: c.journalGen.EmptyBatch(evt.IdempotencyKey(), evt.Timestamp.Unix())}, nil
}

func (c *PoolCore) handleDeposit(evt *event.DepositRequested) (dispatchResult, error) {
	const op = "deposit_insurance"

	if err := c.requireInitialized(op); err != nil {
		return dispatchResult{}, err
	}
	if c.paused {
		return dispatchResult{}, reject(op, ErrPoolPaused)
	}
	if evt.Asset != c.params.Asset {
		return dispatchResult{}, reject(op, fmt.Errorf("asset mismatch: pool holds %s, got %s", c.params.Asset, evt.Asset))
	}
	tranche, err := state.ParseTranche(evt.Tranche)
	if err != nil {
		return dispatchResult{}, reject(op, err)
	}

	now := evt.Timestamp.Unix()
	fees, err := c.positions.ValidateDeposit(c.params, evt.UserID, tranche, evt.Amount, evt.Referrer != nil, now)
	if err != nil {
		return dispatchResult{}, reject(op, err)
	}

	batch, err := c.journalGen.DepositBatch(evt.IdempotencyKey(), evt.UserID, tranche.AccountSubType(), c.assetID, evt.Amount, fees, now)
	if err != nil {
		return dispatchResult{}, reject(op, err)
	}

	if err := c.positions.ApplyDeposit(evt.UserID, tranche, fees.Net, evt.Referrer, now); err != nil {
		panic(fmt.Sprintf("FATAL: validated deposit failed to apply: %v", err))
	}

	return dispatchResult{batch: batch}, nil
}

func (c *PoolCore) handleWithdrawal(evt *event.WithdrawalRequested) (dispatchResult, error) {
	const op = "withdraw"

	if err := c.requireInitialized(op); err != nil {
		return dispatchResult{}, err
	}
	if c.paused {
		return dispatchResult{}, reject(op, ErrPoolPaused)
	}
	if evt.Asset != c.params.Asset {
		return dispatchResult{}, reject(op, fmt.Errorf("asset mismatch: pool holds %s, got %s", c.params.Asset, evt.Asset))
	}
	tranche, err := state.ParseTranche(evt.Tranche)
	if err != nil {
		return dispatchResult{}, reject(op, err)
	}
	if evt.Amount <= 0 {
		return dispatchResult{}, reject(op, fmt.Errorf("withdrawal amount must be positive, got %d", evt.Amount))
	}
	if balance := c.balanceTracker.GetPoolBalance(c.assetID); evt.Amount > balance {
		return dispatchResult{}, reject(op, fmt.Errorf("%w: vault holds %d, requested %d", ErrInsufficientVault, balance, evt.Amount))
	}

	now := evt.Timestamp.Unix()
	if err := c.positions.ApplyWithdrawal(evt.UserID, tranche, evt.Amount, now, c.params.LockupSeconds); err != nil {
		return dispatchResult{}, reject(op, err)
	}

	batch, err := c.journalGen.WithdrawalBatch(evt.IdempotencyKey(), evt.UserID, tranche.AccountSubType(), c.assetID, evt.Amount, now)
	if err != nil {
		panic(fmt.Sprintf("FATAL: withdrawal batch after applied position change: %v", err))
	}

	transfer := &TransferAuthorization{
		AuthorizationID: uuid.New(),
		Kind:            TransferWithdrawal,
		UserID:          evt.UserID,
		Asset:           c.params.Asset,
		Amount:          evt.Amount,
		Timestamp:       now,
	}

	return dispatchResult{batch: batch, transfer: transfer}, nil
}

func (c *PoolCore) handleTrigger(evt *event.TriggerReported) (dispatchResult, error) {
	const op = "trigger_event"

	if err := c.requireInitialized(op); err != nil {
		return dispatchResult{}, err
	}
	if !c.access.CanReport(evt.Caller) {
		return dispatchResult{}, reject(op, fmt.Errorf("%w: caller %s is not a reporter", ErrUnauthorized, evt.Caller))
	}

	severityBps, err := math.EffectiveSeverityBps(
		evt.SeverityBpsIn,
		c.params.CurveA, c.params.CurveB, c.params.CurveC,
		c.params.SeverityFloorBps,
	)
	if err != nil {
		return dispatchResult{}, reject(op, err)
	}

	userCapBps := evt.UserCapBps
	if userCapBps == 0 {
		userCapBps = c.params.DefaultUserCapBps
	}
	epochCap := evt.EpochCapOverride
	if epochCap == 0 {
		epochCap = c.params.EpochCap
	}

	now := evt.Timestamp.Unix()
	snap := state.TriggerSnapshot{
		SeverityBps:   severityBps,
		UserCapBps:    userCapBps,
		EpochCap:      epochCap,
		EvidenceHash:  evt.EvidenceHash,
		EvidenceTS:    evt.EvidenceTS,
		SeniorTotal:   c.positions.TrancheTotal(state.TrancheSenior),
		JuniorTotal:   c.positions.TrancheTotal(state.TrancheJunior),
		WeightedTotal: c.positions.WeightedTotal(c.params.WeightSeniorBps, c.params.WeightJuniorBps),
		PoolBalance:   c.balanceTracker.GetPoolBalance(c.assetID),
	}
	if _, err := c.epochs.Trigger(evt.Epoch, snap, now, c.params.MaxStaleSeconds); err != nil {
		return dispatchResult{}, reject(op, err)
	}

	// The snapshot is only coherent while stakes are frozen.
	c.paused = true
	if c.metrics != nil {
		c.metrics.EpochsTriggered.Inc()
	}

	return dispatchResult{batch: c.journalGen.EmptyBatch(evt.IdempotencyKey(), now)}, nil
}

func (c *PoolCore) handlePayout(evt *event.PayoutRequested) (dispatchResult, error) {
	const op = "payout_user"

	if err := c.requireInitialized(op); err != nil {
		return dispatchResult{}, err
	}

	ep, err := c.epochs.Get(evt.Epoch)
	if err != nil {
		return dispatchResult{}, reject(op, err)
	}
	if ep.Closed {
		return dispatchResult{}, reject(op, fmt.Errorf("%w: %q", state.ErrEpochClosed, ep.ID))
	}
	if !ep.Triggered {
		return dispatchResult{}, reject(op, fmt.Errorf("%w: %q", state.ErrEpochNotTriggered, ep.ID))
	}

	entitlement := c.computeEntitlement(ep, evt.UserID)
	if entitlement <= 0 {
		return dispatchResult{}, reject(op, ErrNothingToClaim)
	}

	now := evt.Timestamp.Unix()

	// Unique insert IS the double-claim gate. It happens before any other
	// mutation so a duplicate leaves nothing to roll back.
	receipt := state.ClaimReceipt{
		EpochID:   ep.ID,
		UserID:    evt.UserID,
		Amount:    entitlement,
		Sequence:  c.sequence,
		Timestamp: now,
	}
	if err := c.claims.Insert(receipt); err != nil {
		return dispatchResult{}, reject(op, err)
	}

	if err := c.epochs.RecordPayout(ep.ID, entitlement); err != nil {
		panic(fmt.Sprintf("FATAL: payout recording failed after receipt insert: %v", err))
	}

	batch, err := c.journalGen.PayoutBatch(evt.IdempotencyKey(), c.assetID, entitlement, now)
	if err != nil {
		panic(fmt.Sprintf("FATAL: payout batch after receipt insert: %v", err))
	}

	transfer := &TransferAuthorization{
		AuthorizationID: uuid.New(),
		Kind:            TransferClaim,
		UserID:          evt.UserID,
		EpochID:         ep.ID,
		Asset:           c.params.Asset,
		Amount:          entitlement,
		Timestamp:       now,
	}

	if c.metrics != nil {
		c.metrics.ClaimsPaid.WithLabelValues(c.params.Policy.String()).Inc()
		c.metrics.PayoutTotal.Add(float64(entitlement))
	}

	return dispatchResult{batch: batch, receipt: &receipt, transfer: transfer}, nil
}

// computeEntitlement runs the payout policy for one claimant against the
// epoch's frozen snapshot. The pool is paused since the trigger, so live
// positions equal their snapshot values.
func (c *PoolCore) computeEntitlement(ep *state.Epoch, userID uuid.UUID) int64 {
	if ep.SnapshotWeightedTotal <= 0 {
		return 0
	}
	pos := c.positions.Get(userID)
	if pos == nil {
		return 0
	}
	userWeighted := pos.WeightedStake(c.params.WeightSeniorBps, c.params.WeightJuniorBps)
	if userWeighted <= 0 {
		return 0
	}

	baseLiability := math.BpsOf(ep.SnapshotPoolBalance, ep.SeverityBps)
	entitlement := math.MulDiv(baseLiability, userWeighted, ep.SnapshotWeightedTotal)

	switch c.params.Policy {
	case state.PolicyCapped:
		if ep.UserCapBps > 0 {
			if userCap := math.BpsOf(userWeighted, ep.UserCapBps); entitlement > userCap {
				entitlement = userCap
			}
		}
	case state.PolicyEpochBounded:
		if ep.EpochCap > 0 {
			room := ep.EpochCap - ep.TotalPaidOut
			if room <= 0 {
				return 0
			}
			if entitlement > room {
				entitlement = room
			}
		}
	}

	// Never authorize more than the vault holds.
	if balance := c.balanceTracker.GetPoolBalance(c.assetID); entitlement > balance {
		entitlement = balance
	}
	return entitlement
}

func (c *PoolCore) handleFinalize(evt *event.FinalizeEpoch) (dispatchResult, error) {
	const op = "finalize_epoch"

	if err := c.requireAdmin(op, evt.Caller); err != nil {
		return dispatchResult{}, err
	}

	ep, err := c.epochs.Get(evt.Epoch)
	if err != nil {
		return dispatchResult{}, reject(op, err)
	}
	if ep.Closed {
		return dispatchResult{}, reject(op, fmt.Errorf("%w: %q", state.ErrEpochClosed, ep.ID))
	}

	now := evt.Timestamp.Unix()

	// Unmet base liability rolls forward at the pool level. The unpaid
	// remainder can exceed the live vault if the admin unpaused mid-epoch
	// and withdrawals drained it.
	var shortfall int64
	if ep.Triggered {
		baseLiability := math.BpsOf(ep.SnapshotPoolBalance, ep.SeverityBps)
		remaining := baseLiability - ep.TotalPaidOut
		if live := c.balanceTracker.GetPoolBalance(c.assetID); remaining > live {
			shortfall = remaining - live
		}
	}

	// Dust sweep: only balance above outstanding principal may leave.
	var batch *ledger.Batch
	var transfer *TransferAuthorization
	if evt.DustSweep > 0 {
		poolBalance := c.balanceTracker.GetPoolBalance(c.assetID)
		principal := c.positions.TotalDeposited()
		dust := evt.DustSweep
		if excess := poolBalance - principal; dust > excess {
			dust = excess
		}
		if dust > 0 {
			batch, err = c.journalGen.DustSweepBatch(evt.IdempotencyKey(), c.assetID, dust, now)
			if err != nil {
				return dispatchResult{}, reject(op, err)
			}
			transfer = &TransferAuthorization{
				AuthorizationID: uuid.New(),
				Kind:            TransferDustSweep,
				Asset:           c.params.Asset,
				Amount:          dust,
				Timestamp:       now,
			}
		}
	}
	if batch == nil {
		batch = c.journalGen.EmptyBatch(evt.IdempotencyKey(), now)
	}

	if _, err := c.epochs.Finalize(ep.ID, shortfall); err != nil {
		return dispatchResult{}, reject(op, err)
	}

	c.carryoverShortfall += shortfall
	c.paused = false
	if c.metrics != nil {
		c.metrics.EpochsFinalized.Inc()
		c.metrics.CarryoverShortfall.Set(float64(c.carryoverShortfall))
	}

	return dispatchResult{batch: batch, transfer: transfer}, nil
}

// computeStateDigest creates canonical bytes for the state hash
func (c *PoolCore) computeStateDigest(batch *ledger.Batch) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates conservation after batch application
func (c *PoolCore) postCheckInvariants(evt event.Event) error {
	if c.params == nil {
		return nil
	}

	if err := c.validator.ValidateVault(c.assetID); err != nil {
		return err
	}

	// Stake accounts must mirror the lot queues they were mutated with.
	switch e := evt.(type) {
	case *event.DepositRequested:
		if err := c.checkStakeMatchesLots(e.UserID); err != nil {
			return err
		}
	case *event.WithdrawalRequested:
		if err := c.checkStakeMatchesLots(e.UserID); err != nil {
			return err
		}
	}

	// Periodic full zero-sum sweep
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateZeroSum(); err != nil {
			return fmt.Errorf("at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

func (c *PoolCore) checkStakeMatchesLots(userID uuid.UUID) error {
	pos := c.positions.Get(userID)
	if pos == nil {
		return nil
	}
	for _, tranche := range []state.Tranche{state.TrancheSenior, state.TrancheJunior} {
		key := ledger.NewUserAccountKey(userID, tranche.AccountSubType(), c.assetID)
		lotTotal := int64(0)
		for _, lot := range pos.Lots(tranche) {
			lotTotal += lot.Amount
		}
		if err := c.validator.ValidateStakeMatchesLots(key, lotTotal); err != nil {
			return err
		}
	}
	return nil
}

// --- Read accessors (used by tests and startup wiring; live queries go
// through the projection-backed query service) ---

// GetSequence returns the current global sequence number.
func (c *PoolCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *PoolCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// IsPaused reports whether deposits and withdrawals are blocked.
func (c *PoolCore) IsPaused() bool {
	return c.paused
}

// IsInitialized reports whether the pool config has been set.
func (c *PoolCore) IsInitialized() bool {
	return c.params != nil
}

// Params returns a copy of the active configuration.
func (c *PoolCore) Params() state.PoolParams {
	if c.params == nil {
		return state.PoolParams{}
	}
	return *c.params
}

// CarryoverShortfall returns accumulated unmet liability.
func (c *PoolCore) CarryoverShortfall() int64 {
	return c.carryoverShortfall
}

// PoolBalance returns the vault cash balance.
func (c *PoolCore) PoolBalance() int64 {
	return c.balanceTracker.GetPoolBalance(c.assetID)
}

// TotalDeposited returns outstanding principal across tranches.
func (c *PoolCore) TotalDeposited() int64 {
	return c.positions.TotalDeposited()
}

// GetPosition returns a user's position, nil if none.
func (c *PoolCore) GetPosition(userID uuid.UUID) *state.UserPosition {
	return c.positions.Get(userID)
}

// GetEpoch returns an epoch by id.
func (c *PoolCore) GetEpoch(id string) (*state.Epoch, error) {
	return c.epochs.Get(id)
}

// GetClaim returns the claim receipt for an (epoch, user) pair.
func (c *PoolCore) GetClaim(epochID string, userID uuid.UUID) (state.ClaimReceipt, bool) {
	return c.claims.Get(epochID, userID)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *PoolCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}
