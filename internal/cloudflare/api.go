package cloudflare

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/labels"
)

// ErrNotFound reports that a zone, record, or tunnel configuration does not
// exist remotely. Check with errors.Is; whether absence is fatal to the
// current entry is the caller's decision.
var ErrNotFound = errors.New("not found")

// CatchAllService is the terminal ingress rule service. A tunnel's ingress
// rule list always ends with a catch-all rule pointing at it.
const CatchAllService = "http_status:404"

// DNSRecord is an existing remote DNS record, reduced to the fields the
// engine compares on.
type DNSRecord struct {
	ID   string
	Name string
	Kind labels.RecordKind
}

// OriginRequest carries per-rule origin settings. NoTLSVerify is nil when
// unset; Cloudflare then applies its default (TLS verification on).
type OriginRequest struct {
	NoTLSVerify *bool
}

// IngressRule is one entry of a tunnel's ordered ingress rule list. The
// catch-all rule has an empty Hostname.
type IngressRule struct {
	Service       string
	Hostname      string
	OriginRequest OriginRequest
}

// IsCatchAll reports whether the rule is the terminal catch-all.
func (r IngressRule) IsCatchAll() bool {
	return r.Hostname == ""
}

// DefaultIngress is the rule list of a tunnel with no configured ingress.
func DefaultIngress() []IngressRule {
	return []IngressRule{{Service: CatchAllService}}
}

// API is the remote capability surface the reconciliation engine depends
// on. Lookup operations return ErrNotFound for absence; every other error
// is a transport or API failure already logged at the gateway boundary.
type API interface {
	// ZoneID resolves a zone name to its id.
	ZoneID(ctx context.Context, zoneName string) (string, error)

	// DNSRecords lists the zone's records, filtered to the managed kinds
	// (A and CNAME).
	DNSRecords(ctx context.Context, zoneID string) ([]DNSRecord, error)

	// DNSRecordID resolves a record name within a zone to the record id.
	DNSRecordID(ctx context.Context, zoneID, name string) (string, error)

	// CreateDNSRecord creates one record in the zone.
	CreateDNSRecord(ctx context.Context, kind labels.RecordKind, zoneID, name, value string, proxied bool) error

	// DeleteDNSRecord deletes one record from the zone by id.
	DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error

	// TunnelIngress returns the tunnel's ordered ingress rule list. A tunnel
	// with no configured ingress yields DefaultIngress.
	TunnelIngress(ctx context.Context, accountID, tunnelID string) ([]IngressRule, error)

	// ReplaceTunnelIngress replaces the tunnel's entire ingress rule list in
	// one call.
	ReplaceTunnelIngress(ctx context.Context, accountID, tunnelID string, rules []IngressRule) error
}
