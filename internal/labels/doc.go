// Package labels extracts desired DNS and tunnel ingress state from
// container labels.
//
// # Overview
//
// Containers declare public hostnames through labels under the
// "cloudflare." namespace. Three declaration kinds are recognized and may
// coexist on one container:
//
//   - Tunnel-routed public hostnames: a comma-separated hostname list plus
//     an upstream service URL, optionally a tunnel id override and a
//     noTLSVerify flag.
//   - CNAME records: a comma-separated name list plus a single shared target.
//   - A records: a comma-separated name list plus a single shared IP.
//
// Parse returns the concatenation of all derived entries, tunnel hostnames
// first. Parsing is pure: the only side effect is the caller-supplied zone
// resolver, so the package is unit-testable without network access.
//
// # Zone Derivation
//
// The zone name is the last two dot-separated labels of a hostname
// (api.svc.example.com -> example.com). Multi-label public suffixes such as
// co.uk are not handled; the rule is isolated in ZoneName so a public
// suffix list aware replacement stays a local change.
package labels
