// Package reconcile implements the reconciliation engine: it derives
// desired DNS and tunnel ingress state from container labels and converges
// the remote Cloudflare resources onto it.
//
// # Passes
//
// All work happens in passes. A pass is either one batch scan over a
// container snapshot (startup) or the handling of one lifecycle event
// (steady state). Each pass owns a fresh read cache over the Cloudflare
// gateway and a fresh set of aggregates; nothing survives the pass — the
// remote service is the durable store of truth.
//
// # Aggregates
//
// A Zone aggregate accumulates pending DNS record additions (deduplicated,
// insertion order preserved) and removals for one zone; a Tunnel aggregate
// accumulates ingress rule mutations for one tunnel, keeping the catch-all
// rule last. Aggregates are created lazily the first time an entry routes
// to their id, and each commits in one flush, so N hostnames sharing a zone
// or a tunnel cost one read and one batched write each.
//
// # Failure policy
//
// One malformed container, one missing zone, or one failed remote call is
// logged and skipped; it never aborts the rest of the pass. There is no
// retry state — correction relies on the next event or the next batch scan.
package reconcile
