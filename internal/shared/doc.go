// Package shared is the home of helpers used across packages that belong to
// no single domain.
//
// The testutil subpackage provides a buffered slog handler and scriptable
// fakes of the vendor client, the renderer and the delegate:
//
//	q := dispatch.NewQueue(nil, 16)
//	renderer := &testutil.ScriptedRenderer{Queue: q}
//	delegate := &testutil.RecordingDelegate{Queue: q}
//	gateway := presentation.NewGateway(q, delegate, renderer, nil)
//
// Fakes count calls made off the dispatch queue so tests can assert that
// every UI call was routed through it.
package shared
