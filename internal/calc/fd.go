package calc

import "math"

// FDResult is the outcome of a fixed-deposit maturity calculation.
type FDResult struct {
	MaturityAmount float64 `json:"maturity_amount"`
	InterestEarned float64 `json:"interest_earned"`
}

// FD computes the maturity value of a fixed deposit with annual
// compounding: FV = P * (1+r)^t, where r is the annual rate fraction
// (annualRate/100) and t the term in years.
func FD(principal, annualRate float64, years int) (FDResult, error) {
	if !finite(principal, annualRate) || principal <= 0 || annualRate <= 0 || years <= 0 {
		return FDResult{}, ErrInvalidInput
	}
	r := annualRate / 100
	fv := principal * math.Pow(1+r, float64(years))
	return FDResult{
		MaturityAmount: fv,
		InterestEarned: fv - principal,
	}, nil
}
