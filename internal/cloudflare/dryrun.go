package cloudflare

import (
	"context"
	"log/slog"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/labels"
)

// DryRun decorates an API so that every mutating call is logged but never
// sent. Reads pass through unchanged, which keeps diffing and aggregation
// identical to a real run; only the final writes are suppressed.
type DryRun struct {
	API

	logger *slog.Logger
}

// NewDryRun wraps api in a mutation-suppressing decorator.
func NewDryRun(api API, logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}

	return &DryRun{
		API:    api,
		logger: logger.With("component", "cloudflare-api", "dry_run", true),
	}
}

// CreateDNSRecord logs the creation it would perform and reports success.
func (d *DryRun) CreateDNSRecord(
	_ context.Context,
	kind labels.RecordKind,
	zoneID, name, value string,
	proxied bool,
) error {
	d.logger.Info("would create dns record",
		"kind", string(kind),
		"zone_id", zoneID,
		"name", name,
		"value", value,
		"proxied", proxied,
	)

	return nil
}

// DeleteDNSRecord logs the deletion it would perform and reports success.
func (d *DryRun) DeleteDNSRecord(_ context.Context, zoneID, recordID string) error {
	d.logger.Info("would delete dns record", "zone_id", zoneID, "record_id", recordID)

	return nil
}

// ReplaceTunnelIngress logs the replacement it would perform and reports
// success.
func (d *DryRun) ReplaceTunnelIngress(_ context.Context, accountID, tunnelID string, rules []IngressRule) error {
	hostnames := make([]string, 0, len(rules))
	for _, rule := range rules {
		hostnames = append(hostnames, rule.Hostname)
	}

	d.logger.Info("would replace tunnel ingress",
		"account_id", accountID,
		"tunnel_id", tunnelID,
		"rules", len(rules),
		"hostnames", hostnames,
	)

	return nil
}
