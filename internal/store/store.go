// Package store persists license records between runs. The activation state
// machine is the only writer; records are read at startup and before every
// activation attempt.
package store

import (
	"context"
	"errors"
	"time"

	lkerrors "licensekit/internal/errors"
)

// ErrNotFound is returned by Get when no live record exists
var ErrNotFound = errors.New("store: record not found")

// ActivationState is the persisted activation state of a record
type ActivationState string

const (
	StateActivated   ActivationState = "activated"
	StateDeactivated ActivationState = "deactivated"
)

// LicenseRecord binds a license code to a product on one device
type LicenseRecord struct {
	ProductID         string          `json:"product_id"`
	LicenseCode       string          `json:"license_code"`
	ActivationState   ActivationState `json:"activation_state"`
	ActivationID      string          `json:"activation_id,omitempty"`
	Email             string          `json:"email,omitempty"`
	LastVerifiedAt    time.Time       `json:"last_verified_at"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	Abandoned         bool            `json:"abandoned,omitempty"`
}

// Valid reports whether the record entitles this device to the product. A
// zero grace period means the last verification never expires.
func (r LicenseRecord) Valid(fingerprint string, now time.Time, grace time.Duration) bool {
	if r.Abandoned || r.ActivationState != StateActivated {
		return false
	}
	if r.LicenseCode == "" || r.DeviceFingerprint != fingerprint {
		return false
	}
	if grace > 0 && now.Sub(r.LastVerifiedAt) > grace {
		return false
	}
	return true
}

// Store is the License Store contract. At most one live (non-abandoned)
// record exists per product and device fingerprint.
type Store interface {
	// Get returns the live record or ErrNotFound
	Get(ctx context.Context, productID, fingerprint string) (LicenseRecord, error)
	// Put replaces the live record for the record's product and fingerprint
	Put(ctx context.Context, rec LicenseRecord) error
	// Delete removes the live record. Deleting a missing record is not an error.
	Delete(ctx context.Context, productID, fingerprint string) error
	// List returns every live record for the fingerprint, ordered by product
	List(ctx context.Context, fingerprint string) ([]LicenseRecord, error)
	Close() error
}

type recordKey struct {
	productID   string
	fingerprint string
}

func keyOf(rec LicenseRecord) recordKey {
	return recordKey{productID: rec.ProductID, fingerprint: rec.DeviceFingerprint}
}

func validateRecord(rec LicenseRecord) error {
	if rec.ProductID == "" {
		return lkerrors.InvalidInput(lkerrors.DomainStore, "record has no product id")
	}
	if rec.DeviceFingerprint == "" {
		return lkerrors.InvalidInput(lkerrors.DomainStore, "record has no device fingerprint")
	}
	if rec.Abandoned {
		return lkerrors.InvalidInput(lkerrors.DomainStore, "cannot store an abandoned record")
	}
	return nil
}

func storageError(message string, err error) error {
	return lkerrors.Wrap(lkerrors.DomainStore, lkerrors.KindStorage, message, err)
}
