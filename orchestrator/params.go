package orchestrator

import "time"

// Params are the lifecycle tuning knobs. Zero values take the production
// defaults; tests shrink the waits.
type Params struct {
	// BaseRadiusMiles is the search radius for the first matching round.
	BaseRadiusMiles float64 `json:"base_radius_miles" yaml:"base_radius_miles"`
	// RadiusFactor multiplies the radius each unsuccessful round.
	RadiusFactor float64 `json:"radius_factor" yaml:"radius_factor"`
	// MaxAttempts bounds matching rounds before escalation.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// VendorResponsePoll is the wake interval while waiting for the matcher
	// to assign a vendor.
	VendorResponsePoll time.Duration `json:"vendor_response_poll" yaml:"vendor_response_poll"`
	// ArrivalPoll is the wake interval while waiting for the vendor to show.
	ArrivalPoll time.Duration `json:"arrival_poll" yaml:"arrival_poll"`
	// ArrivalTimeout is the cumulative ceiling on arrival waiting.
	ArrivalTimeout time.Duration `json:"arrival_timeout" yaml:"arrival_timeout"`

	// WorkTimeout caps the signal-style work-completion wait.
	WorkTimeout time.Duration `json:"work_timeout" yaml:"work_timeout"`
	// PaymentTimeout caps the signal-style payment-approval wait.
	PaymentTimeout time.Duration `json:"payment_timeout" yaml:"payment_timeout"`
}

// DefaultParams returns the production lifecycle constants.
func DefaultParams() Params {
	return Params{
		BaseRadiusMiles:    50,
		RadiusFactor:       1.25,
		MaxAttempts:        3,
		VendorResponsePoll: 120 * time.Second,
		ArrivalPoll:        300 * time.Second,
		ArrivalTimeout:     30 * time.Minute,
		WorkTimeout:        24 * time.Hour,
		PaymentTimeout:     7 * 24 * time.Hour,
	}
}

// Normalize fills zero fields with defaults.
func (p Params) Normalize() Params {
	def := DefaultParams()
	if p.BaseRadiusMiles <= 0 {
		p.BaseRadiusMiles = def.BaseRadiusMiles
	}
	if p.RadiusFactor <= 1 {
		p.RadiusFactor = def.RadiusFactor
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.VendorResponsePoll <= 0 {
		p.VendorResponsePoll = def.VendorResponsePoll
	}
	if p.ArrivalPoll <= 0 {
		p.ArrivalPoll = def.ArrivalPoll
	}
	if p.ArrivalTimeout <= 0 {
		p.ArrivalTimeout = def.ArrivalTimeout
	}
	if p.WorkTimeout <= 0 {
		p.WorkTimeout = def.WorkTimeout
	}
	if p.PaymentTimeout <= 0 {
		p.PaymentTimeout = def.PaymentTimeout
	}
	return p
}
