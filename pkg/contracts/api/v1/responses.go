package api

import "time"

// ProductStatus is the externally visible view of a product. License codes
// and emails are masked.
type ProductStatus struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	Name               string     `json:"name"`
	Price              float64    `json:"price"`
	Currency           string     `json:"currency,omitempty"`
	Activated          bool       `json:"activated"`
	State              string     `json:"state"`
	CheckoutState      string     `json:"checkout_state"`
	LicenseCode        string     `json:"license_code,omitempty"`
	ActivationEmail    string     `json:"activation_email,omitempty"`
	TrialLengthDays    int        `json:"trial_length_days"`
	TrialDaysRemaining int        `json:"trial_days_remaining"`
	TrialExpired       bool       `json:"trial_expired"`
	LastValidatedAt    *time.Time `json:"last_validated_at,omitempty"`
}

// ActivationResponse reports the terminal outcome of an activation or
// deactivation: "activated", "deactivated" or "abandoned".
type ActivationResponse struct {
	Outcome string        `json:"outcome"`
	Product ProductStatus `json:"product"`
}

// ValidationResponse reports a vendor validation: "valid", "invalid" or
// "unknown".
type ValidationResponse struct {
	Validity string        `json:"validity"`
	Product  ProductStatus `json:"product"`
}

// CheckoutResponse carries the terminal checkout state. Data holds the
// optional "checkout" fragment and, for purchases, the "order".
type CheckoutResponse struct {
	State     string                 `json:"state"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	TraceID   string                 `json:"trace_id"`
}

// RecoverResponse confirms that the recovery email went out
type RecoverResponse struct {
	Sent    bool   `json:"sent"`
	TraceID string `json:"trace_id"`
}
