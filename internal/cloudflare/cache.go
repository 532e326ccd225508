package cloudflare

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/labels"
)

type recordIDKey struct {
	zoneID string
	name   string
}

type tunnelKey struct {
	accountID string
	tunnelID  string
}

type zoneIDResult struct {
	id       string
	notFound bool
}

type recordIDResult struct {
	id       string
	notFound bool
}

// Cache decorates an API with memoization of lookup operations, keyed by
// the full argument tuple. Construct one per reconciliation pass and
// discard it with the pass; it is never invalidated mid-pass, so consumers
// that mutate the remote resource must track their own local state instead
// of re-reading through the cache.
//
// Not-found results are memoized like successful ones. Transport errors are
// not, so a transient failure does not poison the rest of the pass.
// Returned slices are shared between callers and must not be mutated.
//
// Cache is not safe for concurrent use; a pass is single-threaded.
type Cache struct {
	api API

	zoneIDs       map[string]zoneIDResult
	dnsRecords    map[string][]DNSRecord
	recordIDs     map[recordIDKey]recordIDResult
	tunnelIngress map[tunnelKey][]IngressRule
}

// NewCache creates a pass-scoped memoizing decorator around api.
func NewCache(api API) *Cache {
	return &Cache{
		api:           api,
		zoneIDs:       make(map[string]zoneIDResult),
		dnsRecords:    make(map[string][]DNSRecord),
		recordIDs:     make(map[recordIDKey]recordIDResult),
		tunnelIngress: make(map[tunnelKey][]IngressRule),
	}
}

// ZoneID resolves a zone name to its id, remotely at most once per pass.
func (c *Cache) ZoneID(ctx context.Context, zoneName string) (string, error) {
	if cached, ok := c.zoneIDs[zoneName]; ok {
		if cached.notFound {
			return "", errors.Wrapf(ErrNotFound, "zone %q", zoneName)
		}

		return cached.id, nil
	}

	id, err := c.api.ZoneID(ctx, zoneName)

	switch {
	case err == nil:
		c.zoneIDs[zoneName] = zoneIDResult{id: id}
	case errors.Is(err, ErrNotFound):
		c.zoneIDs[zoneName] = zoneIDResult{notFound: true}
	}

	return id, err
}

// DNSRecords lists the zone's managed records, remotely at most once per pass.
func (c *Cache) DNSRecords(ctx context.Context, zoneID string) ([]DNSRecord, error) {
	if cached, ok := c.dnsRecords[zoneID]; ok {
		return cached, nil
	}

	records, err := c.api.DNSRecords(ctx, zoneID)
	if err != nil {
		return nil, err
	}

	c.dnsRecords[zoneID] = records

	return records, nil
}

// DNSRecordID resolves a record name to its id, remotely at most once per
// pass for each (zone, name) pair.
func (c *Cache) DNSRecordID(ctx context.Context, zoneID, name string) (string, error) {
	key := recordIDKey{zoneID: zoneID, name: name}

	if cached, ok := c.recordIDs[key]; ok {
		if cached.notFound {
			return "", errors.Wrapf(ErrNotFound, "dns record %q in zone %q", name, zoneID)
		}

		return cached.id, nil
	}

	id, err := c.api.DNSRecordID(ctx, zoneID, name)

	switch {
	case err == nil:
		c.recordIDs[key] = recordIDResult{id: id}
	case errors.Is(err, ErrNotFound):
		c.recordIDs[key] = recordIDResult{notFound: true}
	}

	return id, err
}

// TunnelIngress returns the tunnel's rule list, remotely at most once per
// pass for each (account, tunnel) pair.
func (c *Cache) TunnelIngress(ctx context.Context, accountID, tunnelID string) ([]IngressRule, error) {
	key := tunnelKey{accountID: accountID, tunnelID: tunnelID}

	if cached, ok := c.tunnelIngress[key]; ok {
		return cached, nil
	}

	rules, err := c.api.TunnelIngress(ctx, accountID, tunnelID)
	if err != nil {
		return nil, err
	}

	c.tunnelIngress[key] = rules

	return rules, nil
}

// CreateDNSRecord passes through uncached.
func (c *Cache) CreateDNSRecord(
	ctx context.Context,
	kind labels.RecordKind,
	zoneID, name, value string,
	proxied bool,
) error {
	return c.api.CreateDNSRecord(ctx, kind, zoneID, name, value, proxied)
}

// DeleteDNSRecord passes through uncached.
func (c *Cache) DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error {
	return c.api.DeleteDNSRecord(ctx, zoneID, recordID)
}

// ReplaceTunnelIngress passes through uncached.
func (c *Cache) ReplaceTunnelIngress(ctx context.Context, accountID, tunnelID string, rules []IngressRule) error {
	return c.api.ReplaceTunnelIngress(ctx, accountID, tunnelID, rules)
}
