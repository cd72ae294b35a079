package event

import (
	"encoding/json"
	"fmt"
)

// MarshalPayload serializes a typed event for the event log. The encoding
// uses Go field names; UnmarshalPayload is its inverse for replay.
func MarshalPayload(evt Event) []byte {
	data, err := json.Marshal(evt)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// UnmarshalPayload decodes a stored event-log payload back into its typed
// event for replay.
func UnmarshalPayload(eventType string, data []byte) (Event, error) {
	var evt Event
	switch eventType {
	case "InitializePool":
		evt = &InitializePool{}
	case "SetPaused":
		evt = &SetPaused{}
	case "SetPolicy":
		evt = &SetPolicy{}
	case "SetCurve":
		evt = &SetCurve{}
	case "ReporterUpdate":
		evt = &ReporterUpdate{}
	case "StartEpoch":
		evt = &StartEpoch{}
	case "DepositRequested":
		evt = &DepositRequested{}
	case "WithdrawalRequested":
		evt = &WithdrawalRequested{}
	case "TriggerReported":
		evt = &TriggerReported{}
	case "FinalizeEpoch":
		evt = &FinalizeEpoch{}
	case "PayoutRequested":
		evt = &PayoutRequested{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return evt, nil
}
