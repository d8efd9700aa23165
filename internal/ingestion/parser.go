package ingestion

import (
	"Percolator/internal/event"
	fpmath "Percolator/internal/math"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ErrUnknownEventType is returned for event type names the engine does
// not consume.
var ErrUnknownEventType = errors.New("unknown event type")

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a
// typed event.Event. Amounts travel as decimal strings so 128-bit values
// survive JSON.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeDepositConfirmed:
		return parseDepositConfirmed(raw.Data)
	case event.EventTypeWithdrawalRequested:
		return parseWithdrawalRequested(raw.Data)
	case event.EventTypeTradeFill:
		return parseTradeFill(raw.Data)
	case event.EventTypeOraclePriceUpdate:
		return parseOraclePriceUpdate(raw.Data)
	case event.EventTypeFundingRateUpdate:
		return parseFundingRateUpdate(raw.Data)
	case event.EventTypeCrankRequested:
		return parseCrankRequested(raw.Data)
	case event.EventTypeAccountCloseRequested:
		return parseAccountCloseRequested(raw.Data)
	case event.EventTypeRiskParamUpdate:
		return parseRiskParamUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func micros(us int64) time.Time { return time.UnixMicro(us).UTC() }

type depositJSON struct {
	DepositID   string      `json:"deposit_id"`
	Owner       string      `json:"owner"`
	Market      string      `json:"market"`
	Amount      fpmath.U128 `json:"amount"`
	Sequence    int64       `json:"sequence"`
	Slot        uint64      `json:"slot"`
	TimestampUs int64       `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := parseID("deposit_id", j.DepositID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	if j.Amount.IsZero() {
		return nil, fmt.Errorf("parse DepositConfirmed: amount must be positive")
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		Owner:     owner,
		Market:    j.Market,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		EventSlot: j.Slot,
		Timestamp: micros(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string      `json:"withdrawal_id"`
	Owner        string      `json:"owner"`
	Market       string      `json:"market"`
	Amount       fpmath.U128 `json:"amount"`
	Sequence     int64       `json:"sequence"`
	Slot         uint64      `json:"slot"`
	TimestampUs  int64       `json:"timestamp_us"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := parseID("withdrawal_id", j.WithdrawalID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		Owner:        owner,
		Market:       j.Market,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		EventSlot:    j.Slot,
		Timestamp:    micros(j.TimestampUs),
	}, nil
}

type tradeFillJSON struct {
	FillID       string      `json:"fill_id"`
	Market       string      `json:"market"`
	Taker        string      `json:"taker"`
	Maker        string      `json:"maker"`
	Side         string      `json:"side"` // taker side: "long" or "short"
	Size         fpmath.U128 `json:"size"`
	Price        uint64      `json:"price"`
	FillSequence int64       `json:"fill_sequence"`
	Slot         uint64      `json:"slot"`
	TimestampUs  int64       `json:"timestamp_us"`
}

func parseTradeFill(data []byte) (*event.TradeFill, error) {
	var j tradeFillJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TradeFill: %w", err)
	}
	fillID, err := parseID("fill_id", j.FillID)
	if err != nil {
		return nil, err
	}
	taker, err := parseID("taker", j.Taker)
	if err != nil {
		return nil, err
	}
	maker, err := parseID("maker", j.Maker)
	if err != nil {
		return nil, err
	}

	size, err := j.Size.ToI128()
	if err != nil {
		return nil, fmt.Errorf("parse size: %w", err)
	}
	switch j.Side {
	case "long":
	case "short":
		if size, err = size.Neg(); err != nil {
			return nil, fmt.Errorf("parse size: %w", err)
		}
	default:
		return nil, fmt.Errorf("parse side: %q", j.Side)
	}

	return &event.TradeFill{
		FillID:       fillID,
		Market:       j.Market,
		Taker:        taker,
		Maker:        maker,
		Size:         size,
		Price:        j.Price,
		FillSequence: j.FillSequence,
		EventSlot:    j.Slot,
		Timestamp:    micros(j.TimestampUs),
	}, nil
}

type oraclePriceJSON struct {
	Market        string `json:"market"`
	Price         uint64 `json:"price"`
	PublishSlot   uint64 `json:"publish_slot"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseOraclePriceUpdate(data []byte) (*event.OraclePriceUpdate, error) {
	var j oraclePriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OraclePriceUpdate: %w", err)
	}
	return &event.OraclePriceUpdate{
		Market:        j.Market,
		Price:         j.Price,
		PublishSlot:   j.PublishSlot,
		PriceSequence: j.PriceSequence,
		Timestamp:     micros(j.TimestampUs),
	}, nil
}

type fundingRateJSON struct {
	Market        string      `json:"market"`
	EpochID       int64       `json:"epoch_id"`
	RatePerSlot   fpmath.I128 `json:"rate_per_slot"`
	EffectiveSlot uint64      `json:"effective_slot"`
	TimestampUs   int64       `json:"timestamp_us"`
}

func parseFundingRateUpdate(data []byte) (*event.FundingRateUpdate, error) {
	var j fundingRateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingRateUpdate: %w", err)
	}
	return &event.FundingRateUpdate{
		Market:        j.Market,
		EpochID:       j.EpochID,
		RatePerSlot:   j.RatePerSlot,
		EffectiveSlot: j.EffectiveSlot,
		Timestamp:     micros(j.TimestampUs),
	}, nil
}

type crankJSON struct {
	RequestID   string `json:"request_id"` // ULID; generated when empty
	Market      string `json:"market"`
	Requester   string `json:"requester"`
	Slot        uint64 `json:"slot"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCrankRequested(data []byte) (*event.CrankRequested, error) {
	var j crankJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CrankRequested: %w", err)
	}
	req := event.NewCrankRequest(j.Market, j.Requester, j.Slot, micros(j.TimestampUs))
	if j.RequestID != "" {
		id, err := ulid.ParseStrict(j.RequestID)
		if err != nil {
			return nil, fmt.Errorf("parse request_id: %w", err)
		}
		req.RequestID = id
	}
	return req, nil
}

type accountCloseJSON struct {
	RequestID   string `json:"request_id"`
	Owner       string `json:"owner"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	Slot        uint64 `json:"slot"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseAccountCloseRequested(data []byte) (*event.AccountCloseRequested, error) {
	var j accountCloseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccountCloseRequested: %w", err)
	}
	reqID, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.AccountCloseRequested{
		RequestID: reqID,
		Owner:     owner,
		Market:    j.Market,
		Sequence:  j.Sequence,
		EventSlot: j.Slot,
		Timestamp: micros(j.TimestampUs),
	}, nil
}

type riskParamUpdateJSON struct {
	Market                  string      `json:"market"`
	WarmupPeriodSlots       uint64      `json:"warmup_period_slots"`
	AccountsToTouch         uint64      `json:"accounts_to_touch"`
	FeeBps                  uint64      `json:"fee_bps"`
	MaintenanceFeePerSlot   fpmath.U128 `json:"maintenance_fee_per_slot"`
	MaxFill                 fpmath.U128 `json:"max_fill"`
	MaxInventory            fpmath.U128 `json:"max_inventory"`
	InitialMarginBps        uint64      `json:"initial_margin_bps"`
	MaintenanceMarginBps    uint64      `json:"maintenance_margin_bps"`
	LiquidationFeeBps       uint64      `json:"liquidation_fee_bps"`
	MaxOracleStalenessSlots uint64      `json:"max_oracle_staleness_slots"`
	EffectiveSeq            int64       `json:"effective_seq"`
	Sequence                int64       `json:"sequence"`
	Slot                    uint64      `json:"slot"`
	TimestampUs             int64       `json:"timestamp_us"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}
	return &event.RiskParamUpdate{
		Market:                  j.Market,
		WarmupPeriodSlots:       j.WarmupPeriodSlots,
		AccountsToTouch:         j.AccountsToTouch,
		FeeBps:                  j.FeeBps,
		MaintenanceFeePerSlot:   j.MaintenanceFeePerSlot,
		MaxFill:                 j.MaxFill,
		MaxInventory:            j.MaxInventory,
		InitialMarginBps:        j.InitialMarginBps,
		MaintenanceMarginBps:    j.MaintenanceMarginBps,
		LiquidationFeeBps:       j.LiquidationFeeBps,
		MaxOracleStalenessSlots: j.MaxOracleStalenessSlots,
		EffectiveSeq:            j.EffectiveSeq,
		Sequence:                j.Sequence,
		EventSlot:               j.Slot,
		Timestamp:               micros(j.TimestampUs),
	}, nil
}
