package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/cloudflare"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/labels"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/metrics"
)

// Workload is a container as seen by the reconciliation engine.
type Workload struct {
	Name    string
	Running bool
	Labels  map[string]string
}

// EventKind is a container lifecycle transition.
type EventKind string

// Lifecycle events the engine reacts to. Anything else is ignored.
const (
	EventStart EventKind = "start"
	EventDie   EventKind = "die"
)

// Event is one container lifecycle event.
type Event struct {
	Kind         EventKind
	WorkloadName string
	Labels       map[string]string
}

// Driver orchestrates reconciliation passes. It owns nothing between
// passes: every pass builds its own read cache and aggregates, and the
// driver is only ever driven from one goroutine (the batch scan completes
// before the event loop starts, and events are handled one at a time).
type Driver struct {
	api             cloudflare.API
	accountID       string
	defaultTunnelID string
	metrics         metrics.Collector
	logger          *slog.Logger
}

// NewDriver creates a Driver on top of the given gateway stack (real,
// dry-run wrapped, or a test fake).
func NewDriver(
	api cloudflare.API,
	accountID, defaultTunnelID string,
	collector metrics.Collector,
	logger *slog.Logger,
) *Driver {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		api:             api,
		accountID:       accountID,
		defaultTunnelID: defaultTunnelID,
		metrics:         collector,
		logger:          logger.With("component", "reconciler"),
	}
}

// SyncAll runs one batch pass over a container snapshot: every running
// container with labels under the recognized namespace contributes desired
// entries, and every touched aggregate commits exactly once at the end.
// A failure for one container is logged and does not stop the others.
func (d *Driver) SyncAll(ctx context.Context, workloads []Workload) {
	start := time.Now()
	pass := d.newPass(metrics.PassModeBatch)

	for _, workload := range workloads {
		if !workload.Running {
			continue
		}

		relevant := labels.Relevant(workload.Labels)
		if relevant == nil {
			continue
		}

		pass.logger.Debug("inspecting container", "container", workload.Name)

		entries, err := labels.Parse(relevant, d.defaultTunnelID, pass.resolver(ctx))
		if err != nil {
			pass.fail(ctx, workload.Name, err)

			continue
		}

		for _, entry := range entries {
			if err := pass.add(ctx, entry); err != nil {
				pass.fail(ctx, workload.Name, err)
			}
		}

		pass.entries += len(entries)
	}

	d.finish(ctx, pass, start)
}

// HandleEvent runs one event pass: a start event adds the container's
// desired entries, a die event removes them, and only the aggregates this
// event touched commit. Unrecognized kinds and containers without relevant
// labels are ignored. Malformed input is logged, never fatal.
func (d *Driver) HandleEvent(ctx context.Context, event Event) {
	if event.Kind != EventStart && event.Kind != EventDie {
		return
	}

	relevant := labels.Relevant(event.Labels)
	if relevant == nil {
		return
	}

	d.metrics.RecordDockerEvent(ctx, string(event.Kind))

	start := time.Now()
	pass := d.newPass(metrics.PassModeEvent)

	pass.logger.Info("container event", "event", string(event.Kind), "container", event.WorkloadName)

	entries, err := labels.Parse(relevant, d.defaultTunnelID, pass.resolver(ctx))
	if err != nil {
		pass.fail(ctx, event.WorkloadName, err)
		d.finish(ctx, pass, start)

		return
	}

	for _, entry := range entries {
		var routeErr error
		if event.Kind == EventStart {
			routeErr = pass.add(ctx, entry)
		} else {
			routeErr = pass.remove(ctx, entry)
		}

		if routeErr != nil {
			pass.fail(ctx, event.WorkloadName, routeErr)
		}
	}

	pass.entries += len(entries)

	d.finish(ctx, pass, start)
}

func (d *Driver) finish(ctx context.Context, pass *pass, start time.Time) {
	failed := pass.commit(ctx)

	status := "success"
	if failed > 0 || pass.failures > 0 {
		status = "error"
	}

	d.metrics.RecordPassDuration(ctx, pass.mode, status, time.Since(start))
	d.metrics.RecordEntries(ctx, pass.mode, pass.entries)

	pass.logger.Debug("pass finished",
		"status", status,
		"entries", pass.entries,
		"zones", len(pass.zones),
		"tunnels", len(pass.tunnels),
	)
}

// pass holds the state owned by one reconciliation pass: the memoizing
// gateway and the lazily created aggregates, committed in creation order
// for deterministic call sequences.
type pass struct {
	driver *Driver
	mode   string
	api    *cloudflare.Cache
	logger *slog.Logger

	zones     map[string]*Zone
	zoneOrder []string

	tunnels     map[string]*Tunnel
	tunnelOrder []string

	entries  int
	failures int
}

func (d *Driver) newPass(mode string) *pass {
	return &pass{
		driver:  d,
		mode:    mode,
		api:     cloudflare.NewCache(d.api),
		logger:  d.logger.With("pass_id", uuid.NewString(), "mode", mode),
		zones:   make(map[string]*Zone),
		tunnels: make(map[string]*Tunnel),
	}
}

// resolver adapts the pass's cached gateway to the label parser's zone
// resolver, so parsing N containers in one zone costs one remote lookup.
func (p *pass) resolver(ctx context.Context) labels.ZoneResolver {
	return func(zoneName string) (string, error) {
		return p.api.ZoneID(ctx, zoneName)
	}
}

// add routes one desired entry into its owning aggregates.
func (p *pass) add(ctx context.Context, entry labels.Entry) error {
	switch entry.Kind {
	case labels.EntryKindHostname:
		host := entry.Hostname

		zone, err := p.zone(ctx, host.ZoneID)
		if err != nil {
			return err
		}

		zone.AddRecord(host.DNSRecord())

		tunnel, err := p.tunnel(ctx, host.TunnelID)
		if err != nil {
			return err
		}

		tunnel.AddIngress(host)

		return nil
	case labels.EntryKindRecord:
		zone, err := p.zone(ctx, entry.Record.ZoneID)
		if err != nil {
			return err
		}

		zone.AddRecord(*entry.Record)

		return nil
	default:
		return errors.Newf("unknown entry kind %q", entry.Kind)
	}
}

// remove routes one desired entry's removal into its owning aggregates.
func (p *pass) remove(ctx context.Context, entry labels.Entry) error {
	switch entry.Kind {
	case labels.EntryKindHostname:
		host := entry.Hostname

		zone, err := p.zone(ctx, host.ZoneID)
		if err != nil {
			return err
		}

		zone.RemoveRecord(ctx, host.DNSRecord())

		tunnel, err := p.tunnel(ctx, host.TunnelID)
		if err != nil {
			return err
		}

		tunnel.RemoveIngress(host)

		return nil
	case labels.EntryKindRecord:
		zone, err := p.zone(ctx, entry.Record.ZoneID)
		if err != nil {
			return err
		}

		zone.RemoveRecord(ctx, *entry.Record)

		return nil
	default:
		return errors.Newf("unknown entry kind %q", entry.Kind)
	}
}

func (p *pass) zone(ctx context.Context, zoneID string) (*Zone, error) {
	if zone, ok := p.zones[zoneID]; ok {
		return zone, nil
	}

	zone, err := newZone(ctx, p.api, p.logger, zoneID)
	if err != nil {
		return nil, err
	}

	p.zones[zoneID] = zone
	p.zoneOrder = append(p.zoneOrder, zoneID)

	return zone, nil
}

func (p *pass) tunnel(ctx context.Context, tunnelID string) (*Tunnel, error) {
	if tunnel, ok := p.tunnels[tunnelID]; ok {
		return tunnel, nil
	}

	tunnel, err := newTunnel(ctx, p.api, p.logger, p.driver.accountID, tunnelID)
	if err != nil {
		return nil, err
	}

	p.tunnels[tunnelID] = tunnel
	p.tunnelOrder = append(p.tunnelOrder, tunnelID)

	return tunnel, nil
}

// commit flushes every touched aggregate exactly once, zones before
// tunnels, in creation order. Returns the number of failed mutations.
func (p *pass) commit(ctx context.Context) int {
	failed := 0

	for _, zoneID := range p.zoneOrder {
		failed += p.zones[zoneID].Commit(ctx)
	}

	for _, tunnelID := range p.tunnelOrder {
		tunnel := p.tunnels[tunnelID]

		failed += tunnel.Commit(ctx)

		p.driver.metrics.RecordIngressRules(ctx, tunnelID, tunnel.RuleCount())
	}

	if failed > 0 {
		p.driver.metrics.RecordReconcileError(ctx, metrics.ReconcileErrorRemote)
	}

	return failed
}

// fail logs and counts one isolated failure without stopping the pass.
func (p *pass) fail(ctx context.Context, workloadName string, err error) {
	p.failures++
	p.logger.Error("reconcile failed", "container", workloadName, "error", err)
	p.driver.metrics.RecordReconcileError(ctx, classifyError(err))
}

func classifyError(err error) string {
	var validationErr *labels.ValidationError
	if errors.As(err, &validationErr) {
		return metrics.ReconcileErrorValidation
	}

	if errors.Is(err, cloudflare.ErrNotFound) {
		return metrics.ReconcileErrorNotFound
	}

	return metrics.ReconcileErrorRemote
}
