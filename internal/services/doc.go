// Package services sits between the HTTP bridge and the engine.
//
// The engine reports every outcome through a completion callback on its
// dispatch queue. LicenseService turns those callbacks into blocking calls
// that honour the request context: when the caller gives up, an in-flight
// activation or checkout is cancelled rather than left running.
//
// Outcomes are also handed to an EventPublisher so that pages subscribed to
// the event stream see changes made by other callers.
//
// HealthService answers liveness and readiness probes from the engine's
// store and the event hub.
package services
