package calc

import "math"

// EMIResult is the outcome of a loan amortization calculation.
type EMIResult struct {
	MonthlyPayment float64 `json:"monthly_payment"`
	TotalPaid      float64 `json:"total_paid"`
	TotalInterest  float64 `json:"total_interest"`
}

// EMI computes the equated monthly installment for a loan:
//
//	EMI = P * r * (1+r)^n / ((1+r)^n - 1)
//
// with P the principal, r the monthly rate (annualRate/12/100) and n the
// tenure in months.
func EMI(principal, annualRate float64, years int) (EMIResult, error) {
	if !finite(principal, annualRate) || principal <= 0 || annualRate <= 0 || years <= 0 {
		return EMIResult{}, ErrInvalidInput
	}
	r := annualRate / 12 / 100
	n := float64(years * 12)
	pow := math.Pow(1+r, n)
	emi := principal * r * pow / (pow - 1)
	total := emi * n
	return EMIResult{
		MonthlyPayment: emi,
		TotalPaid:      total,
		TotalInterest:  total - principal,
	}, nil
}
