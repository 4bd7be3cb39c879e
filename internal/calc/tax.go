package calc

import "math"

// Deduction caps for the old-regime slab calculation.
const (
	Max80CDeduction       = 150000
	MaxInsuranceDeduction = 25000
)

// TaxResult is the outcome of a slab tax calculation.
type TaxResult struct {
	TaxableIncome float64 `json:"taxable_income"`
	TaxPayable    float64 `json:"tax_payable"`
	TaxSaved      float64 `json:"tax_saved"`
}

// Tax computes income tax under the slab schedule
// 0-250k: 0%, 250k-500k: 5%, 500k-1M: 20%, above 1M: 30%,
// after subtracting capped 80C and insurance deductions.
// TaxSaved is the flat 20% estimate on the claimed deductions.
func Tax(income, invest80C, insurance float64) (TaxResult, error) {
	if !finite(income, invest80C, insurance) || income <= 0 || invest80C < 0 || insurance < 0 {
		return TaxResult{}, ErrInvalidInput
	}
	deductions := math.Min(invest80C, Max80CDeduction) + math.Min(insurance, MaxInsuranceDeduction)
	taxable := income - deductions
	if taxable < 0 {
		taxable = 0
	}

	tax := 0.0
	remaining := taxable
	if remaining > 1000000 {
		tax += (remaining - 1000000) * 0.30
		remaining = 1000000
	}
	if remaining > 500000 {
		tax += (remaining - 500000) * 0.20
		remaining = 500000
	}
	if remaining > 250000 {
		tax += (remaining - 250000) * 0.05
	}

	return TaxResult{
		TaxableIncome: taxable,
		TaxPayable:    tax,
		TaxSaved:      deductions * 0.2,
	}, nil
}
