// Package api contains the wire contract of the local license bridge.
// Version v1 is served under /api/license.
package api

// ActivateRequest is the body of POST /products/{id}/activate
type ActivateRequest struct {
	Email       string `json:"email" validate:"required,email"`
	LicenseCode string `json:"license_code" validate:"required,min=4"`
}

// CheckoutRequest is the body of POST /products/{id}/checkout. Every field
// is optional; an empty body opens a plain checkout.
type CheckoutRequest struct {
	Email         string `json:"email,omitempty" validate:"omitempty,email"`
	Coupon        string `json:"coupon,omitempty"`
	Country       string `json:"country,omitempty" validate:"omitempty,len=2"`
	Postcode      string `json:"postcode,omitempty"`
	Quantity      int    `json:"quantity,omitempty" validate:"gte=0"`
	AllowQuantity *bool  `json:"allow_quantity,omitempty"`
	Passthrough   string `json:"passthrough,omitempty"`
	Referrer      string `json:"referrer,omitempty"`
	CustomMessage string `json:"custom_message,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// RecoverRequest is the body of POST /products/{id}/recover
type RecoverRequest struct {
	Email string `json:"email" validate:"required,email"`
}
