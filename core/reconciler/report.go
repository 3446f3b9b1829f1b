package reconciler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
)

const NativeDecimals = 18

// CostReport is before minus after for each ledger.
type CostReport struct {
	Account        common.Address `json:"account"`
	NativeCost     *big.Int       `json:"nativeCost"`
	EntryPointCost *big.Int       `json:"entryPointCost"`
	TokenCost      *big.Int       `json:"tokenCost"`
	Warnings       []error        `json:"-"`
}

// Diff subtracts after from before. Negative costs are kept as computed and
// flagged with a BalanceInconsistency warning.
func Diff(before, after *Snapshot) *CostReport {
	report := &CostReport{
		Account:        before.Account,
		NativeCost:     new(big.Int).Sub(before.Native, after.Native),
		EntryPointCost: new(big.Int).Sub(before.Deposit, after.Deposit),
		TokenCost:      new(big.Int).Sub(before.Token, after.Token),
	}

	for _, c := range []struct {
		ledger string
		cost   *big.Int
	}{
		{"native", report.NativeCost},
		{"entrypoint", report.EntryPointCost},
		{"token", report.TokenCost},
	} {
		if c.cost.Sign() < 0 {
			report.Warnings = append(report.Warnings, apperrors.NewBalanceInconsistency(c.ledger, c.cost.String()))
		}
	}

	return report
}

// TotalNativeCost is what the account paid in the native asset through either
// its balance or its EntryPoint deposit.
func (c *CostReport) TotalNativeCost() *big.Int {
	return new(big.Int).Add(c.NativeCost, c.EntryPointCost)
}

func (c *CostReport) Consistent() bool {
	return len(c.Warnings) == 0
}

// FormattedCost holds human units for display.
type FormattedCost struct {
	Native     decimal.Decimal
	EntryPoint decimal.Decimal
	Token      decimal.Decimal
}

func (c *CostReport) Format(tokenDecimals int32) FormattedCost {
	return FormattedCost{
		Native:     ToDecimal(c.NativeCost, NativeDecimals),
		EntryPoint: ToDecimal(c.EntryPointCost, NativeDecimals),
		Token:      ToDecimal(c.TokenCost, tokenDecimals),
	}
}

func (f FormattedCost) String() string {
	return fmt.Sprintf("native=%s entrypoint=%s token=%s", f.Native.String(), f.EntryPoint.String(), f.Token.String())
}

// ToDecimal shifts a base-unit integer into whole units.
func ToDecimal(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// FromDecimal parses whole units ("0.1") into base units.
func FromDecimal(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%s has more than %d decimals", s, decimals)
	}
	return shifted.BigInt(), nil
}
