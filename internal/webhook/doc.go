// Package webhook accepts homework bundles over HTTP and places them in a
// course queue.
//
// There is one route, POST /submit/{name}. The request body is the bundle
// itself and must carry an HMAC-SHA256 signature of the body, computed with
// the shared intake secret, in the configured header as "sha256=<hex>" or
// plain hex. Accepted bundles are written with submit.Reader, so the queue
// watcher sees them appear atomically.
//
// Responses:
//
//   - 202 Accepted: bundle queued
//   - 400 Bad Request: invalid bundle name
//   - 403 Forbidden: missing or invalid signature (no details)
//   - 409 Conflict: a bundle with that name is still waiting
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 500 Internal Server Error: the queue could not be written
package webhook
