// Package cloudflare provides the gateway to the Cloudflare API used by the
// reconciliation engine.
//
// # Overview
//
// The API interface is the capability surface the engine needs: zone id
// lookup, DNS record listing and CRUD scoped to a zone, and read/replace of
// a tunnel's ingress rule list. Three implementations compose into a stack:
//
//   - Client calls the Cloudflare API through cloudflare-go, records
//     per-call metrics, and logs failures with the failing operation and
//     target identifiers.
//   - DryRun suppresses every mutation, logging what it would have done.
//     Reads pass through, so diffing behaves identically in dry-run.
//   - Cache memoizes reads for the duration of one reconciliation pass,
//     keyed by the full argument tuple. A scan of many containers costs one
//     remote read per distinct zone and tunnel instead of one per container.
//
// Absence (unknown zone, unknown record) is reported as ErrNotFound so
// callers can distinguish it from transport failure.
package cloudflare
