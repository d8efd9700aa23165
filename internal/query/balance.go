package query

import (
	fpmath "Percolator/internal/math"
	"Percolator/internal/state"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// priceDecimals is the number of implied decimals in engine prices.
const priceDecimals = 6

// accountRow is the raw projections.accounts row.
type accountRow struct {
	index        string
	owner        uuid.UUID
	capital      fpmath.U128
	realizedPnL  fpmath.I128
	positionSize fpmath.I128
	entryPrice   string
	feeCredits   fpmath.I128
	warmupPhase  string
	lastSequence int64
}

func parseUint(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return v, nil
}

// toResponse renders the row, applying h to positive realized PnL.
func (r accountRow) toResponse(market string, h state.Haircut) (AccountResponse, error) {
	index, err := parseUint("account_index", r.index)
	if err != nil {
		return AccountResponse{}, err
	}
	entry, err := parseUint("entry_price", r.entryPrice)
	if err != nil {
		return AccountResponse{}, err
	}

	effective := r.realizedPnL.Decimal(0)
	if r.realizedPnL.IsPositive() {
		haircut, err := h.Apply(r.realizedPnL.PositivePart())
		if err != nil {
			return AccountResponse{}, fmt.Errorf("apply haircut: %w", err)
		}
		effective = haircut.Decimal(0)
	}

	return AccountResponse{
		MarketID:     market,
		Index:        index,
		Owner:        r.owner,
		Capital:      r.capital.Decimal(0),
		RealizedPnL:  r.realizedPnL.Decimal(0),
		EffectivePnL: effective,
		PositionSize: r.positionSize.Decimal(0),
		EntryPrice:   priceDecimal(entry),
		FeeCredits:   r.feeCredits.Decimal(0),
		WarmupPhase:  r.warmupPhase,
		LastSequence: r.lastSequence,
	}, nil
}

func priceDecimal(p uint64) decimal.Decimal {
	return fpmath.U128FromUint64(p).Decimal(priceDecimals)
}
