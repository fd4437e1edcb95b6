// Package product holds the in-memory registry of products the engine knows
// about and each product's entitlement snapshot.
package product

import (
	"sort"
	"sync"
	"time"
)

// Kind distinguishes products licensed through the SDK from other product types
type Kind string

const (
	KindSDK   Kind = "sdk"
	KindOther Kind = "other"
)

// Status is the activation status recorded in the entitlement snapshot
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusActivated   Status = "activated"
	StatusDeactivated Status = "deactivated"
)

// Details is the product presentation data. Fallback details come from
// configuration and are used until the vendor has been reached once.
type Details struct {
	Name        string  `json:"name" yaml:"name"`
	Price       float64 `json:"price" yaml:"price"`
	Currency    string  `json:"currency" yaml:"currency"`
	TrialLength int     `json:"trial_length_days" yaml:"trial_length_days"`
}

// Config is the static per-product configuration
type Config struct {
	Kind     Kind    `json:"kind" yaml:"kind"`
	Fallback Details `json:"fallback" yaml:"fallback"`
}

// Entitlement is the mutable right-to-use snapshot
type Entitlement struct {
	Status          Status    `json:"status"`
	LicenseCode     string    `json:"license_code,omitempty"`
	ActivationEmail string    `json:"activation_email,omitempty"`
	ActivationID    string    `json:"activation_id,omitempty"`
	TrialStartedAt  time.Time `json:"trial_started_at"`
	LastValidatedAt time.Time `json:"last_validated_at,omitempty"`
}

// Product is created on first reference and lives for the whole process
type Product struct {
	ID   string
	Kind Kind

	mu       sync.RWMutex
	fallback Details
	details  *Details
	ent      Entitlement
}

// Entitlement returns a copy of the current snapshot
func (p *Product) Entitlement() Entitlement {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ent
}

// Update mutates the snapshot under the product lock
func (p *Product) Update(fn func(*Entitlement)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.ent)
}

// Activated reports whether the snapshot says the product is activated
func (p *Product) Activated() bool {
	return p.Entitlement().Status == StatusActivated
}

// Details returns vendor-provided details when cached, the fallback otherwise
func (p *Product) Details() Details {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.details != nil {
		return *p.details
	}
	return p.fallback
}

// CacheDetails stores details fetched from the vendor
func (p *Product) CacheDetails(d Details) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.details = &d
}

// HasCachedDetails reports whether vendor details have been fetched
func (p *Product) HasCachedDetails() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.details != nil
}

// TrialDaysRemaining returns whole days left in the trial, never negative.
func (p *Product) TrialDaysRemaining(now time.Time) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	length := p.fallback.TrialLength
	if p.details != nil {
		length = p.details.TrialLength
	}
	if length <= 0 || p.ent.TrialStartedAt.IsZero() {
		return 0
	}

	end := p.ent.TrialStartedAt.AddDate(0, 0, length)
	if !now.Before(end) {
		return 0
	}
	return int(end.Sub(now).Hours()/24) + 1
}

// TrialExpired reports whether the product is neither activated nor in trial
func (p *Product) TrialExpired(now time.Time) bool {
	return !p.Activated() && p.TrialDaysRemaining(now) == 0
}

// Registry owns every Product referenced during the process lifetime
type Registry struct {
	mu       sync.Mutex
	products map[string]*Product
	configs  map[string]Config
	now      func() time.Time
}

// NewRegistry creates a registry seeded with static product configuration
func NewRegistry(configs map[string]Config) *Registry {
	cp := make(map[string]Config, len(configs))
	for id, c := range configs {
		cp[id] = c
	}
	return &Registry{
		products: make(map[string]*Product),
		configs:  cp,
		now:      time.Now,
	}
}

// Get returns the product with the given ID, creating it on first reference.
func (r *Registry) Get(id string) *Product {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.products[id]; ok {
		return p
	}

	cfg, ok := r.configs[id]
	if !ok {
		cfg = Config{Kind: KindSDK}
	}
	if cfg.Kind == "" {
		cfg.Kind = KindSDK
	}

	p := &Product{
		ID:       id,
		Kind:     cfg.Kind,
		fallback: cfg.Fallback,
		ent: Entitlement{
			Status:         StatusUnknown,
			TrialStartedAt: r.now(),
		},
	}
	r.products[id] = p
	return p
}

// Lookup returns an existing product without creating one
func (r *Registry) Lookup(id string) (*Product, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	return p, ok
}

// All returns every product referenced so far, ordered by ID
func (r *Registry) All() []*Product {
	r.mu.Lock()
	out := make([]*Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Configured returns the IDs of products present in static configuration
func (r *Registry) Configured() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}
