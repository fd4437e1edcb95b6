// Package app assembles the licensekit host process.
//
// NewApplication builds, in order: the slog logger, the OpenTelemetry
// providers, engine metrics, the device fingerprint, the license store
// selected by configuration, the vendor HTTP client, the event hub and the
// engine. The local bridge router is then wired on top:
//
//	RequestID → RealIP → OTel → Logger → Recoverer → SecurityHeaders → RateLimiter
//
// /healthz, /readyz and /metrics sit outside /api; everything under /api
// requires the configured API key when one is set.
//
// Run blocks until SIGINT or SIGTERM, then shuts the server down, stops the
// hub, closes the engine (which closes the store) and flushes telemetry.
package app
