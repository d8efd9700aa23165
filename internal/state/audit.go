package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
)

// AuditReport is the result of a full reconciliation scan.
type AuditReport struct {
	Accounts        int
	CapitalSum      fpmath.U128
	PnLPositiveSum  fpmath.U128
	EffectivePnLSum fpmath.U128
	ProfitHolders   uint64 // bounds the rounding slack K
	Haircut         Haircut
	Violations      []string
}

func (r *AuditReport) OK() bool { return len(r.Violations) == 0 }

func (r *AuditReport) violate(format string, args ...interface{}) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

// Audit recomputes every aggregate by scanning all accounts and compares
// the result with g. It is an offline tool: O(n), never called by an
// operation.
//
// Checked:
//   - capital_total == sum(capital)
//   - pnl_positive_total == sum(max(realized_pnl, 0))
//   - capital_total + insurance_fund + sum(effective_pnl) <= vault_balance + K,
//     where K is the number of accounts holding positive PnL
//   - 0 <= h <= 1
//   - no account index beyond total_accounts, no closed account in the set
func Audit(accounts []TradingAccount, g GlobalState) AuditReport {
	report := AuditReport{Accounts: len(accounts), Haircut: g.Haircut()}

	var err error
	for i := range accounts {
		a := &accounts[i]
		if a.Status != AccountStatusActive {
			report.violate("account %d: status %s in active set", a.Index, a.Status)
		}
		if a.Index >= g.TotalAccounts {
			report.violate("account %d: index beyond total_accounts %d", a.Index, g.TotalAccounts)
		}
		if report.CapitalSum, err = report.CapitalSum.Add(a.Capital); err != nil {
			report.violate("capital sum: %v", err)
			return report
		}
		pos := a.RealizedPnL.PositivePart()
		if pos.IsZero() {
			continue
		}
		report.ProfitHolders++
		if report.PnLPositiveSum, err = report.PnLPositiveSum.Add(pos); err != nil {
			report.violate("pnl sum: %v", err)
			return report
		}
		effective, err := report.Haircut.Apply(pos)
		if err != nil {
			report.violate("account %d: haircut: %v", a.Index, err)
			continue
		}
		if report.EffectivePnLSum, err = report.EffectivePnLSum.Add(effective); err != nil {
			report.violate("effective pnl sum: %v", err)
			return report
		}
	}

	if report.CapitalSum.Cmp(g.CapitalTotal) != 0 {
		report.violate("capital_total %s != sum(capital) %s", g.CapitalTotal, report.CapitalSum)
	}
	if report.PnLPositiveSum.Cmp(g.PnLPositiveTotal) != 0 {
		report.violate("pnl_positive_total %s != sum(max(pnl,0)) %s", g.PnLPositiveTotal, report.PnLPositiveSum)
	}
	if report.Haircut.Num.Cmp(report.Haircut.Den) > 0 {
		report.violate("haircut %s/%s above one", report.Haircut.Num, report.Haircut.Den)
	}

	claims, err := g.CapitalTotal.Add(g.InsuranceFund)
	if err == nil {
		claims, err = claims.Add(report.EffectivePnLSum)
	}
	if err != nil {
		report.violate("claims sum: %v", err)
		return report
	}
	limit, err := g.VaultBalance.Add(fpmath.U128FromUint64(report.ProfitHolders))
	if err != nil {
		limit = fpmath.MaxU128
	}
	if claims.Cmp(limit) > 0 {
		report.violate("conservation: claims %s exceed vault %s + slack %d", claims, g.VaultBalance, report.ProfitHolders)
	}
	return report
}
