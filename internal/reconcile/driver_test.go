package reconcile_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/cloudflare"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/labels"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/reconcile"
)

type createCall struct {
	kind    labels.RecordKind
	zoneID  string
	name    string
	value   string
	proxied bool
}

// fakeGateway is a stateful in-memory stand-in for the Cloudflare gateway:
// mutations apply to its maps, so add-then-remove round trips exercise the
// same state a real account would hold.
type fakeGateway struct {
	zones   map[string]string
	records map[string][]cloudflare.DNSRecord
	ingress map[string][]cloudflare.IngressRule

	zoneIDCalls     map[string]int
	dnsRecordsCalls map[string]int
	ingressCalls    map[string]int
	totalCalls      int

	creates  []createCall
	deletes  []string
	replaces map[string][][]cloudflare.IngressRule

	// failCreates / failDeletes / failReplaces make that many initial
	// mutating calls of the respective kind fail; the call is still
	// recorded, state stays untouched.
	failCreates  int
	failDeletes  int
	failReplaces int

	nextRecordID int
}

func newFakeGateway(zones map[string]string) *fakeGateway {
	return &fakeGateway{
		zones:           zones,
		records:         make(map[string][]cloudflare.DNSRecord),
		ingress:         make(map[string][]cloudflare.IngressRule),
		zoneIDCalls:     make(map[string]int),
		dnsRecordsCalls: make(map[string]int),
		ingressCalls:    make(map[string]int),
		replaces:        make(map[string][][]cloudflare.IngressRule),
	}
}

func (f *fakeGateway) ZoneID(_ context.Context, zoneName string) (string, error) {
	f.totalCalls++
	f.zoneIDCalls[zoneName]++

	id, ok := f.zones[zoneName]
	if !ok {
		return "", errors.Wrapf(cloudflare.ErrNotFound, "zone %q", zoneName)
	}

	return id, nil
}

func (f *fakeGateway) DNSRecords(_ context.Context, zoneID string) ([]cloudflare.DNSRecord, error) {
	f.totalCalls++
	f.dnsRecordsCalls[zoneID]++

	return f.records[zoneID], nil
}

func (f *fakeGateway) DNSRecordID(_ context.Context, zoneID, name string) (string, error) {
	f.totalCalls++

	for _, record := range f.records[zoneID] {
		if record.Name == name {
			return record.ID, nil
		}
	}

	return "", errors.Wrapf(cloudflare.ErrNotFound, "dns record %q in zone %q", name, zoneID)
}

func (f *fakeGateway) CreateDNSRecord(
	_ context.Context,
	kind labels.RecordKind,
	zoneID, name, value string,
	proxied bool,
) error {
	f.totalCalls++
	f.creates = append(f.creates, createCall{kind: kind, zoneID: zoneID, name: name, value: value, proxied: proxied})

	if f.failCreates > 0 {
		f.failCreates--

		return errors.New("create rejected")
	}

	f.nextRecordID++
	f.records[zoneID] = append(f.records[zoneID], cloudflare.DNSRecord{
		ID:   fmt.Sprintf("rec-%d", f.nextRecordID),
		Name: name,
		Kind: kind,
	})

	return nil
}

func (f *fakeGateway) DeleteDNSRecord(_ context.Context, zoneID, recordID string) error {
	f.totalCalls++
	f.deletes = append(f.deletes, recordID)

	if f.failDeletes > 0 {
		f.failDeletes--

		return errors.New("delete rejected")
	}

	kept := f.records[zoneID][:0]

	for _, record := range f.records[zoneID] {
		if record.ID != recordID {
			kept = append(kept, record)
		}
	}

	f.records[zoneID] = kept

	return nil
}

func (f *fakeGateway) TunnelIngress(_ context.Context, _, tunnelID string) ([]cloudflare.IngressRule, error) {
	f.totalCalls++
	f.ingressCalls[tunnelID]++

	rules, ok := f.ingress[tunnelID]
	if !ok {
		return cloudflare.DefaultIngress(), nil
	}

	return rules, nil
}

func (f *fakeGateway) ReplaceTunnelIngress(
	_ context.Context,
	_, tunnelID string,
	rules []cloudflare.IngressRule,
) error {
	f.totalCalls++

	if f.failReplaces > 0 {
		f.failReplaces--

		return errors.New("replace rejected")
	}

	stored := make([]cloudflare.IngressRule, len(rules))
	copy(stored, rules)

	f.ingress[tunnelID] = stored
	f.replaces[tunnelID] = append(f.replaces[tunnelID], stored)

	return nil
}

func newTestDriver(gateway *fakeGateway) *reconcile.Driver {
	return reconcile.NewDriver(gateway, "account-1", "tunnel-1", nil, nil)
}

func hostnameLabels(hostname string) map[string]string {
	return map[string]string{
		labels.KeyPublicHostname: hostname,
		labels.KeyService:        "http://service:80",
	}
}

func TestSyncAllCreatesRecordAndIngress(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "web", Running: true, Labels: hostnameLabels("host.example.com")},
	})

	require.Len(t, gateway.creates, 1)
	assert.Equal(t, createCall{
		kind:    labels.RecordCNAME,
		zoneID:  "example_zone_id",
		name:    "host.example.com",
		value:   "tunnel-1.cfargotunnel.com",
		proxied: true,
	}, gateway.creates[0])

	require.Len(t, gateway.replaces["tunnel-1"], 1)

	rules := gateway.replaces["tunnel-1"][0]
	require.Len(t, rules, 2)
	assert.Equal(t, cloudflare.IngressRule{Service: "http://service:80", Hostname: "host.example.com"}, rules[0])
	assert.True(t, rules[len(rules)-1].IsCatchAll())
}

func TestSyncAllIsIdempotent(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	gateway.records["example_zone_id"] = []cloudflare.DNSRecord{
		{ID: "rec-1", Name: "host.example.com", Kind: labels.RecordCNAME},
	}
	gateway.ingress["tunnel-1"] = []cloudflare.IngressRule{
		{Service: "http://service:80", Hostname: "host.example.com"},
		{Service: cloudflare.CatchAllService},
	}

	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "web", Running: true, Labels: hostnameLabels("host.example.com")},
	})

	assert.Empty(t, gateway.creates)
	assert.Empty(t, gateway.deletes)
	assert.Empty(t, gateway.replaces)
}

func TestHandleEventAddThenRemoveRestoresState(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)
	ctx := context.Background()

	driver.HandleEvent(ctx, reconcile.Event{
		Kind:         reconcile.EventStart,
		WorkloadName: "web",
		Labels:       hostnameLabels("host.example.com"),
	})

	require.Len(t, gateway.creates, 1)
	require.Len(t, gateway.records["example_zone_id"], 1)

	driver.HandleEvent(ctx, reconcile.Event{
		Kind:         reconcile.EventDie,
		WorkloadName: "web",
		Labels:       hostnameLabels("host.example.com"),
	})

	assert.Empty(t, gateway.records["example_zone_id"])
	require.Len(t, gateway.deletes, 1)

	replaces := gateway.replaces["tunnel-1"]
	require.Len(t, replaces, 2)
	assert.Equal(t, cloudflare.DefaultIngress(), replaces[len(replaces)-1])
}

func TestSyncAllGroupsRemoteReads(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "a", Running: true, Labels: hostnameLabels("a.example.com")},
		{Name: "b", Running: true, Labels: hostnameLabels("b.example.com")},
		{Name: "c", Running: true, Labels: hostnameLabels("c.example.com")},
	})

	// One zone lookup, one record listing, one ingress fetch for the
	// whole pass regardless of container count.
	assert.Equal(t, 1, gateway.zoneIDCalls["example.com"])
	assert.Equal(t, 1, gateway.dnsRecordsCalls["example_zone_id"])
	assert.Equal(t, 1, gateway.ingressCalls["tunnel-1"])

	assert.Len(t, gateway.creates, 3)

	require.Len(t, gateway.replaces["tunnel-1"], 1)

	rules := gateway.replaces["tunnel-1"][0]
	require.Len(t, rules, 4)
	assert.True(t, rules[len(rules)-1].IsCatchAll())
}

func TestHandleEventRemoveAbsentIsNoOp(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.HandleEvent(context.Background(), reconcile.Event{
		Kind:         reconcile.EventDie,
		WorkloadName: "web",
		Labels:       hostnameLabels("host.example.com"),
	})

	assert.Empty(t, gateway.creates)
	assert.Empty(t, gateway.deletes)
	assert.Empty(t, gateway.replaces)
}

func TestSyncAllMultiHostnameKeepsOrder(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "web", Running: true, Labels: hostnameLabels("a.example.com,b.example.com")},
	})

	require.Len(t, gateway.creates, 2)
	assert.Equal(t, "a.example.com", gateway.creates[0].name)
	assert.Equal(t, "b.example.com", gateway.creates[1].name)

	require.Len(t, gateway.replaces["tunnel-1"], 1)

	rules := gateway.replaces["tunnel-1"][0]
	require.Len(t, rules, 3)
	assert.Equal(t, "a.example.com", rules[0].Hostname)
	assert.Equal(t, "b.example.com", rules[1].Hostname)
	assert.True(t, rules[2].IsCatchAll())
}

func TestSyncAllValidationFailsBeforeRemoteCalls(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "web", Running: true, Labels: map[string]string{
			labels.KeyPublicHostname: "host.example.com",
			labels.KeyService:        "ftp://x",
		}},
	})

	assert.Equal(t, 0, gateway.totalCalls)
}

func TestSyncAllIsolatesContainerFailures(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "broken", Running: true, Labels: hostnameLabels("localhost")},
		{Name: "ok", Running: true, Labels: hostnameLabels("host.example.com")},
	})

	require.Len(t, gateway.creates, 1)
	assert.Equal(t, "host.example.com", gateway.creates[0].name)
}

func TestSyncAllSkipsStoppedAndUnlabeled(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "stopped", Running: false, Labels: hostnameLabels("host.example.com")},
		{Name: "plain", Running: true, Labels: map[string]string{"maintainer": "someone"}},
	})

	assert.Equal(t, 0, gateway.totalCalls)
}

func TestHandleEventIgnoresOtherKinds(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.HandleEvent(context.Background(), reconcile.Event{
		Kind:         reconcile.EventKind("create"),
		WorkloadName: "web",
		Labels:       hostnameLabels("host.example.com"),
	})

	assert.Equal(t, 0, gateway.totalCalls)
}

func TestSyncAllDeduplicatesAcrossContainers(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "first", Running: true, Labels: hostnameLabels("host.example.com")},
		{Name: "second", Running: true, Labels: hostnameLabels("host.example.com")},
	})

	assert.Len(t, gateway.creates, 1)

	require.Len(t, gateway.replaces["tunnel-1"], 1)
	assert.Len(t, gateway.replaces["tunnel-1"][0], 2)
}

func TestSyncAllPlainRecordsSkipTunnel(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "records", Running: true, Labels: map[string]string{
			labels.KeyCNAMEName:   "www.example.com",
			labels.KeyCNAMETarget: "origin.example.com",
			labels.KeyAName:       "bare.example.com",
			labels.KeyAIP:         "192.0.2.10",
		}},
	})

	require.Len(t, gateway.creates, 2)
	assert.Equal(t, labels.RecordCNAME, gateway.creates[0].kind)
	assert.Equal(t, labels.RecordA, gateway.creates[1].kind)
	assert.False(t, gateway.creates[0].proxied)

	assert.Empty(t, gateway.ingressCalls)
	assert.Empty(t, gateway.replaces)
}

func TestHandleEventPropagatesNoTLSVerify(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	workloadLabels := hostnameLabels("host.example.com")
	workloadLabels[labels.KeyNoTLSVerify] = "true"

	driver.HandleEvent(context.Background(), reconcile.Event{
		Kind:         reconcile.EventStart,
		WorkloadName: "web",
		Labels:       workloadLabels,
	})

	require.Len(t, gateway.replaces["tunnel-1"], 1)

	rule := gateway.replaces["tunnel-1"][0][0]
	require.NotNil(t, rule.OriginRequest.NoTLSVerify)
	assert.True(t, *rule.OriginRequest.NoTLSVerify)
}

func TestHandleEventTunnelOverride(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	workloadLabels := hostnameLabels("host.example.com")
	workloadLabels[labels.KeyTunnelID] = "tunnel-2"

	driver.HandleEvent(context.Background(), reconcile.Event{
		Kind:         reconcile.EventStart,
		WorkloadName: "web",
		Labels:       workloadLabels,
	})

	require.Len(t, gateway.creates, 1)
	assert.Equal(t, "tunnel-2.cfargotunnel.com", gateway.creates[0].value)

	assert.Empty(t, gateway.replaces["tunnel-1"])
	require.Len(t, gateway.replaces["tunnel-2"], 1)
}

func TestSyncAllContinuesAfterCreateFailure(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	gateway.failCreates = 1

	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "a", Running: true, Labels: hostnameLabels("a.example.com")},
		{Name: "b", Running: true, Labels: hostnameLabels("b.example.com")},
		{Name: "c", Running: true, Labels: hostnameLabels("c.example.com")},
	})

	// The first creation fails; the other two are still issued and land.
	require.Len(t, gateway.creates, 3)
	assert.Len(t, gateway.records["example_zone_id"], 2)

	// The tunnel commit is unaffected by the zone failure.
	require.Len(t, gateway.replaces["tunnel-1"], 1)

	rules := gateway.replaces["tunnel-1"][0]
	require.Len(t, rules, 4)
	assert.True(t, rules[len(rules)-1].IsCatchAll())
}

func TestHandleEventContinuesAfterDeleteFailure(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	gateway.records["example_zone_id"] = []cloudflare.DNSRecord{
		{ID: "rec-a", Name: "a.example.com", Kind: labels.RecordCNAME},
		{ID: "rec-b", Name: "b.example.com", Kind: labels.RecordCNAME},
	}
	gateway.ingress["tunnel-1"] = []cloudflare.IngressRule{
		{Service: "http://service:80", Hostname: "a.example.com"},
		{Service: "http://service:80", Hostname: "b.example.com"},
		{Service: cloudflare.CatchAllService},
	}
	gateway.failDeletes = 1

	driver := newTestDriver(gateway)

	driver.HandleEvent(context.Background(), reconcile.Event{
		Kind:         reconcile.EventDie,
		WorkloadName: "web",
		Labels:       hostnameLabels("a.example.com,b.example.com"),
	})

	// The first deletion fails and leaves its record behind; the second is
	// still issued, and the tunnel replace happens regardless.
	require.Len(t, gateway.deletes, 2)
	require.Len(t, gateway.records["example_zone_id"], 1)
	assert.Equal(t, "a.example.com", gateway.records["example_zone_id"][0].Name)

	require.Len(t, gateway.replaces["tunnel-1"], 1)
	assert.Equal(t, cloudflare.DefaultIngress(), gateway.replaces["tunnel-1"][0])
}

func TestSyncAllIngressMatchingIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	gateway.ingress["tunnel-1"] = []cloudflare.IngressRule{
		{Service: "http://service:80", Hostname: "HOST.example.com"},
		{Service: cloudflare.CatchAllService},
	}

	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "web", Running: true, Labels: hostnameLabels("host.example.com")},
	})

	// Ingress hostnames match case-insensitively, so the rule list stays
	// untouched; DNS record names match case-sensitively, so the CNAME is
	// still created.
	assert.Empty(t, gateway.replaces)
	assert.Len(t, gateway.creates, 1)
}

func TestSyncAllUnknownZoneIsIsolated(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway(map[string]string{"example.com": "example_zone_id"})
	driver := newTestDriver(gateway)

	driver.SyncAll(context.Background(), []reconcile.Workload{
		{Name: "unknown", Running: true, Labels: hostnameLabels("host.other.org")},
		{Name: "ok", Running: true, Labels: hostnameLabels("host.example.com")},
	})

	require.Len(t, gateway.creates, 1)
	assert.Equal(t, "host.example.com", gateway.creates[0].name)
}
