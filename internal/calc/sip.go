package calc

import "math"

// SIPResult is the outcome of a systematic investment plan projection.
type SIPResult struct {
	InvestedTotal  float64 `json:"invested_total"`
	MaturityAmount float64 `json:"maturity_amount"`
	InterestEarned float64 `json:"interest_earned"`
}

// SIP computes the future value of a monthly contribution plan:
//
//	FV = P * (((1+r)^n - 1) / r) * (1+r)
//
// with P the monthly contribution, r the monthly rate (annualRate/12/100)
// and n the number of months. A zero rate is rejected rather than
// special-cased to the limit form.
func SIP(monthly, annualRate float64, years int) (SIPResult, error) {
	if !finite(monthly, annualRate) || monthly <= 0 || annualRate <= 0 || years <= 0 {
		return SIPResult{}, ErrInvalidInput
	}
	r := annualRate / 12 / 100
	n := float64(years * 12)
	fv := monthly * ((math.Pow(1+r, n) - 1) / r) * (1 + r)
	invested := monthly * n
	return SIPResult{
		InvestedTotal:  invested,
		MaturityAmount: fv,
		InterestEarned: fv - invested,
	}, nil
}
