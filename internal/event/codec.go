package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event payload for the event log.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode rebuilds a typed event from a stored payload. Replay uses it to
// feed the event log back through the engine.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeDepositConfirmed:
		evt = &DepositConfirmed{}
	case EventTypeWithdrawalRequested:
		evt = &WithdrawalRequested{}
	case EventTypeTradeFill:
		evt = &TradeFill{}
	case EventTypeOraclePriceUpdate:
		evt = &OraclePriceUpdate{}
	case EventTypeFundingRateUpdate:
		evt = &FundingRateUpdate{}
	case EventTypeCrankRequested:
		evt = &CrankRequested{}
	case EventTypeAccountCloseRequested:
		evt = &AccountCloseRequested{}
	case EventTypeRiskParamUpdate:
		evt = &RiskParamUpdate{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
