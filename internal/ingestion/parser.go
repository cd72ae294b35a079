package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TranchePool/internal/event"
	"TranchePool/internal/state"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending to the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "InitializePool":
		return parseInitializePool(raw.Data)
	case "SetPaused":
		return parseSetPaused(raw.Data)
	case "SetPolicy":
		return parseSetPolicy(raw.Data)
	case "SetCurve":
		return parseSetCurve(raw.Data)
	case "ReporterUpdate":
		return parseReporterUpdate(raw.Data)
	case "StartEpoch":
		return parseStartEpoch(raw.Data)
	case "DepositRequested":
		return parseDepositRequested(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "TriggerReported":
		return parseTriggerReported(raw.Data)
	case "FinalizeEpoch":
		return parseFinalizeEpoch(raw.Data)
	case "PayoutRequested":
		return parsePayoutRequested(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type poolParamsJSON struct {
	Asset                     string `json:"asset"`
	Treasury                  string `json:"treasury"`
	Policy                    string `json:"policy"`
	UserDepositCap            int64  `json:"user_deposit_cap"`
	MinDeposit                int64  `json:"min_deposit"`
	ProtocolFeeBps            int64  `json:"protocol_fee_bps"`
	ReferralFeeBps            int64  `json:"referral_fee_bps"`
	LockupSeconds             int64  `json:"lockup_seconds"`
	MinSecondsBetweenDeposits int64  `json:"min_seconds_between_deposits"`
	EpochCap                  int64  `json:"epoch_cap"`
	RollingMode               bool   `json:"rolling_mode"`
	MaxStaleSeconds           int64  `json:"max_stale_seconds"`
	CurveA                    int64  `json:"curve_a"`
	CurveB                    int64  `json:"curve_b"`
	CurveC                    int64  `json:"curve_c"`
	SeverityFloorBps          int64  `json:"severity_floor_bps"`
	WeightSeniorBps           int64  `json:"weight_senior_bps"`
	WeightJuniorBps           int64  `json:"weight_junior_bps"`
	DefaultUserCapBps         int64  `json:"default_user_cap_bps"`
}

func (j poolParamsJSON) toParams() (state.PoolParams, error) {
	policy, err := state.ParsePayoutPolicy(j.Policy)
	if err != nil {
		return state.PoolParams{}, fmt.Errorf("parse policy: %w", err)
	}
	return state.PoolParams{
		Asset:                     j.Asset,
		Treasury:                  j.Treasury,
		Policy:                    policy,
		UserDepositCap:            j.UserDepositCap,
		MinDeposit:                j.MinDeposit,
		ProtocolFeeBps:            j.ProtocolFeeBps,
		ReferralFeeBps:            j.ReferralFeeBps,
		LockupSeconds:             j.LockupSeconds,
		MinSecondsBetweenDeposits: j.MinSecondsBetweenDeposits,
		EpochCap:                  j.EpochCap,
		RollingMode:               j.RollingMode,
		MaxStaleSeconds:           j.MaxStaleSeconds,
		CurveA:                    j.CurveA,
		CurveB:                    j.CurveB,
		CurveC:                    j.CurveC,
		SeverityFloorBps:          j.SeverityFloorBps,
		WeightSeniorBps:           j.WeightSeniorBps,
		WeightJuniorBps:           j.WeightJuniorBps,
		DefaultUserCapBps:         j.DefaultUserCapBps,
	}, nil
}

type initializePoolJSON struct {
	RequestID   string         `json:"request_id"`
	Caller      string         `json:"caller"`
	Params      poolParamsJSON `json:"params"`
	Sequence    int64          `json:"sequence"`
	TimestampUs int64          `json:"timestamp_us"`
}

func parseInitializePool(data []byte) (*event.InitializePool, error) {
	var j initializePoolJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitializePool: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	params, err := j.Params.toParams()
	if err != nil {
		return nil, err
	}
	return &event.InitializePool{
		RequestID: requestID,
		Caller:    caller,
		Params:    params,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type setPausedJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	Paused      bool   `json:"paused"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetPaused(data []byte) (*event.SetPaused, error) {
	var j setPausedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetPaused: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &event.SetPaused{
		RequestID: requestID,
		Caller:    caller,
		Paused:    j.Paused,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type setPolicyJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	Policy      string `json:"policy"`
	EpochCap    int64  `json:"epoch_cap"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetPolicy(data []byte) (*event.SetPolicy, error) {
	var j setPolicyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetPolicy: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	policy, err := state.ParsePayoutPolicy(j.Policy)
	if err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &event.SetPolicy{
		RequestID: requestID,
		Caller:    caller,
		Policy:    policy,
		EpochCap:  j.EpochCap,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type setCurveJSON struct {
	RequestID        string `json:"request_id"`
	Caller           string `json:"caller"`
	CurveA           int64  `json:"curve_a"`
	CurveB           int64  `json:"curve_b"`
	CurveC           int64  `json:"curve_c"`
	SeverityFloorBps int64  `json:"severity_floor_bps"`
	WeightSeniorBps  int64  `json:"weight_senior_bps"`
	WeightJuniorBps  int64  `json:"weight_junior_bps"`
	Sequence         int64  `json:"sequence"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func parseSetCurve(data []byte) (*event.SetCurve, error) {
	var j setCurveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetCurve: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &event.SetCurve{
		RequestID:        requestID,
		Caller:           caller,
		CurveA:           j.CurveA,
		CurveB:           j.CurveB,
		CurveC:           j.CurveC,
		SeverityFloorBps: j.SeverityFloorBps,
		WeightSeniorBps:  j.WeightSeniorBps,
		WeightJuniorBps:  j.WeightJuniorBps,
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type reporterUpdateJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	Reporter    string `json:"reporter"`
	Remove      bool   `json:"remove"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseReporterUpdate(data []byte) (*event.ReporterUpdate, error) {
	var j reporterUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReporterUpdate: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	reporter, err := uuid.Parse(j.Reporter)
	if err != nil {
		return nil, fmt.Errorf("parse reporter: %w", err)
	}
	return &event.ReporterUpdate{
		RequestID: requestID,
		Caller:    caller,
		Reporter:  reporter,
		Remove:    j.Remove,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type startEpochJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	Epoch       string `json:"epoch"`
	StartTS     int64  `json:"start_ts"`
	EndTS       int64  `json:"end_ts"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseStartEpoch(data []byte) (*event.StartEpoch, error) {
	var j startEpochJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StartEpoch: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	if j.Epoch == "" {
		return nil, fmt.Errorf("epoch id must not be empty")
	}
	return &event.StartEpoch{
		RequestID: requestID,
		Caller:    caller,
		Epoch:     j.Epoch,
		StartTS:   j.StartTS,
		EndTS:     j.EndTS,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Tranche     string `json:"tranche"`
	Amount      int64  `json:"amount"`
	Referrer    string `json:"referrer,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositRequested(data []byte) (*event.DepositRequested, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositRequested: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	var referrer *uuid.UUID
	if j.Referrer != "" {
		r, err := uuid.Parse(j.Referrer)
		if err != nil {
			return nil, fmt.Errorf("parse referrer: %w", err)
		}
		referrer = &r
	}
	return &event.DepositRequested{
		DepositID: depositID,
		UserID:    userID,
		Asset:     j.Asset,
		Tranche:   j.Tranche,
		Amount:    j.Amount,
		Referrer:  referrer,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Tranche      string `json:"tranche"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Tranche:      j.Tranche,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type triggerJSON struct {
	RequestID        string `json:"request_id"`
	Caller           string `json:"caller"`
	Epoch            string `json:"epoch"`
	SeverityBpsIn    int64  `json:"severity_bps_in"`
	UserCapBps       int64  `json:"user_cap_bps,omitempty"`
	EpochCapOverride int64  `json:"epoch_cap_override,omitempty"`
	EvidenceHash     string `json:"evidence_hash,omitempty"` // hex
	EvidenceTsUs     int64  `json:"evidence_ts_us,omitempty"`
	Sequence         int64  `json:"sequence"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func parseTriggerReported(data []byte) (*event.TriggerReported, error) {
	var j triggerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TriggerReported: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	var evidenceHash []byte
	if j.EvidenceHash != "" {
		evidenceHash, err = hex.DecodeString(j.EvidenceHash)
		if err != nil {
			return nil, fmt.Errorf("parse evidence_hash: %w", err)
		}
	}
	// Evidence timestamps arrive in micros; staleness is checked in seconds.
	evidenceTS := int64(0)
	if j.EvidenceTsUs > 0 {
		evidenceTS = time.UnixMicro(j.EvidenceTsUs).Unix()
	}
	return &event.TriggerReported{
		RequestID:        requestID,
		Caller:           caller,
		Epoch:            j.Epoch,
		SeverityBpsIn:    j.SeverityBpsIn,
		UserCapBps:       j.UserCapBps,
		EpochCapOverride: j.EpochCapOverride,
		EvidenceHash:     evidenceHash,
		EvidenceTS:       evidenceTS,
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type finalizeJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	Epoch       string `json:"epoch"`
	DustSweep   int64  `json:"dust_sweep,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFinalizeEpoch(data []byte) (*event.FinalizeEpoch, error) {
	var j finalizeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FinalizeEpoch: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &event.FinalizeEpoch{
		RequestID: requestID,
		Caller:    caller,
		Epoch:     j.Epoch,
		DustSweep: j.DustSweep,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type payoutJSON struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	Epoch       string `json:"epoch"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePayoutRequested(data []byte) (*event.PayoutRequested, error) {
	var j payoutJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PayoutRequested: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.PayoutRequested{
		RequestID: requestID,
		UserID:    userID,
		Epoch:     j.Epoch,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
