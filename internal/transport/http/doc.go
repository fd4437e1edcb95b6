// Package http is the local JSON bridge between a host web UI and the
// licensing engine.
//
// Handlers stay thin: they decode and validate the body with
// go-playground/validator, call the service layer and render the result
// with go-chi/render. Failures become RFC 7807 problem documents through
// the shared errors.ErrorHandler, so every error response carries the
// request's trace_id.
//
// # Routes
//
// Mounted under /api/license:
//
//	GET  /events (websocket, when an event stream is set)
//	GET  /products
//	GET  /products/{productID}
//	POST /products/{productID}/activate
//	POST /products/{productID}/deactivate
//	POST /products/{productID}/validate
//	POST /products/{productID}/checkout
//	POST /products/{productID}/recover
//
// Activation and checkout block until the engine finishes. Closing the
// request cancels them.
//
// Health probes live at /healthz and /readyz; /api/version reports the
// build.
package http
