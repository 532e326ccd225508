// Package docker adapts the Docker daemon into the reconciliation engine's
// workload inputs: a container snapshot for the startup scan and a
// start/die lifecycle event stream for steady state.
package docker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/reconcile"
)

// eventBuffer decouples the daemon's event stream from potentially slow
// remote calls in the consumer.
const eventBuffer = 64

// apiClient is the slice of the Docker client the source needs.
type apiClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// Source produces workload snapshots and lifecycle events from the Docker
// daemon.
type Source struct {
	cli    apiClient
	logger *slog.Logger
}

// NewSource connects to the daemon using the standard environment
// configuration (DOCKER_HOST and friends) with API version negotiation.
func NewSource(logger *slog.Logger) (*Source, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create docker client")
	}

	return NewSourceWithClient(cli, logger), nil
}

// NewSourceWithClient wraps an existing client. Used by tests.
func NewSourceWithClient(cli apiClient, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		cli:    cli,
		logger: logger.With("component", "docker"),
	}
}

// Snapshot lists all containers, running or not. The driver filters on
// status itself so that batch and event passes share one code path.
func (s *Source) Snapshot(ctx context.Context) ([]reconcile.Workload, error) {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list containers")
	}

	workloads := make([]reconcile.Workload, 0, len(containers))
	for i := range containers {
		workloads = append(workloads, workloadFromSummary(&containers[i]))
	}

	return workloads, nil
}

// Watch subscribes to container start/die events and hands them off
// through a buffered channel: one producer goroutine feeds it, the single
// reconciliation loop consumes it. The channel closes when ctx is
// cancelled or the daemon stream ends.
func (s *Source) Watch(ctx context.Context) <-chan reconcile.Event {
	eventFilters := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("event", "start"),
		filters.Arg("event", "die"),
	)

	messages, errs := s.cli.Events(ctx, events.ListOptions{Filters: eventFilters})

	out := make(chan reconcile.Event, eventBuffer)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				event, ok := EventFromMessage(msg)
				if !ok {
					continue
				}

				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case err, ok := <-errs:
				if !ok {
					return
				}

				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("docker event stream failed", "error", err)
				}

				return
			}
		}
	}()

	return out
}

// EventFromMessage converts a daemon event to a reconcile event. The
// actor's attributes carry the container name and its labels, which is
// exactly what the parser needs. Unrecognized actions report ok=false.
func EventFromMessage(msg events.Message) (reconcile.Event, bool) {
	var kind reconcile.EventKind

	switch msg.Action {
	case events.ActionStart:
		kind = reconcile.EventStart
	case events.ActionDie:
		kind = reconcile.EventDie
	default:
		return reconcile.Event{}, false
	}

	return reconcile.Event{
		Kind:         kind,
		WorkloadName: msg.Actor.Attributes["name"],
		Labels:       msg.Actor.Attributes,
	}, true
}

func workloadFromSummary(summary *container.Summary) reconcile.Workload {
	name := ""
	if len(summary.Names) > 0 {
		name = strings.TrimPrefix(summary.Names[0], "/")
	}

	return reconcile.Workload{
		Name:    name,
		Running: summary.State == "running",
		Labels:  summary.Labels,
	}
}
