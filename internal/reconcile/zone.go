package reconcile

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/cloudflare"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/labels"
)

// Zone accumulates the pending DNS record mutations for one zone during a
// single pass. Record name comparisons are case-sensitive, unlike ingress
// hostname comparisons in Tunnel; the asymmetry is deliberate and mirrors
// how the two remote resources actually match names.
type Zone struct {
	api    cloudflare.API
	logger *slog.Logger
	zoneID string

	// existing is the zone's record-name snapshot, fetched once at
	// construction and never refreshed within the pass.
	existing map[string]struct{}

	pendingAdds map[labels.RecordKey]labels.DNSEntry
	addOrder    []labels.RecordKey

	pendingRemovals map[string]struct{}
	removalOrder    []string
}

// newZone fetches the zone's record snapshot through the (cached) gateway
// and returns the empty aggregate.
func newZone(ctx context.Context, api cloudflare.API, logger *slog.Logger, zoneID string) (*Zone, error) {
	records, err := api.DNSRecords(ctx, zoneID)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot records for zone %q", zoneID)
	}

	existing := make(map[string]struct{}, len(records))
	for _, record := range records {
		existing[record.Name] = struct{}{}
	}

	return &Zone{
		api:             api,
		logger:          logger.With("zone_id", zoneID),
		zoneID:          zoneID,
		existing:        existing,
		pendingAdds:     make(map[labels.RecordKey]labels.DNSEntry),
		pendingRemovals: make(map[string]struct{}),
	}, nil
}

// AddRecord stages a record creation. A name already present remotely is an
// informational no-op; an entry already staged under the same identity is a
// logged conflict and the first staged value stays in place.
func (z *Zone) AddRecord(entry labels.DNSEntry) {
	if _, ok := z.existing[entry.Name]; ok {
		z.logger.Info("dns record already exists", "name", entry.Name)

		return
	}

	key := entry.Key()
	if _, ok := z.pendingAdds[key]; ok {
		z.logger.Error("duplicate dns record staged", "kind", string(entry.Kind), "name", entry.Name)

		return
	}

	z.pendingAdds[key] = entry
	z.addOrder = append(z.addOrder, key)
}

// RemoveRecord resolves the entry's name to a remote record id and stages
// it for deletion. Removing an absent record is a warning, not an error.
func (z *Zone) RemoveRecord(ctx context.Context, entry labels.DNSEntry) {
	z.logger.Info("removing dns record", "kind", string(entry.Kind), "name", entry.Name)

	recordID, err := z.api.DNSRecordID(ctx, z.zoneID, entry.Name)

	switch {
	case errors.Is(err, cloudflare.ErrNotFound):
		z.logger.Warn("no dns record", "kind", string(entry.Kind), "name", entry.Name)

		return
	case err != nil:
		z.logger.Error("failed to resolve dns record id", "name", entry.Name, "error", err)

		return
	}

	if _, ok := z.pendingRemovals[recordID]; ok {
		return
	}

	z.pendingRemovals[recordID] = struct{}{}
	z.removalOrder = append(z.removalOrder, recordID)
}

// Commit flushes the staged mutations: deletions first (so a replaced name
// never transiently conflicts), then creations, each independently — one
// failure is logged and does not abort the rest. Both staged sets are
// cleared. Returns the number of failed mutations.
func (z *Zone) Commit(ctx context.Context) int {
	failed := 0

	for _, recordID := range z.removalOrder {
		if err := z.api.DeleteDNSRecord(ctx, z.zoneID, recordID); err != nil {
			z.logger.Error("failed to remove dns record", "record_id", recordID, "error", err)

			failed++
		}
	}

	z.pendingRemovals = make(map[string]struct{})
	z.removalOrder = nil

	for _, key := range z.addOrder {
		entry := z.pendingAdds[key]

		z.logger.Info("adding dns record",
			"kind", string(entry.Kind),
			"name", entry.Name,
			"value", entry.Value,
		)

		err := z.api.CreateDNSRecord(ctx, entry.Kind, entry.ZoneID, entry.Name, entry.Value, entry.Proxied)
		if err != nil {
			z.logger.Error("failed to add dns record", "kind", string(entry.Kind), "name", entry.Name, "error", err)

			failed++
		}
	}

	z.pendingAdds = make(map[labels.RecordKey]labels.DNSEntry)
	z.addOrder = nil

	return failed
}
