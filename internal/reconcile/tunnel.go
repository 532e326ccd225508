package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/cloudflare"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/labels"
)

// Tunnel accumulates the ingress rule mutations for one tunnel during a
// single pass. The rule list's last element is the catch-all default and
// stays last across every insert and remove. Hostname comparisons are
// case-insensitive (Cloudflare matches ingress hostnames that way), unlike
// DNS record names in Zone.
type Tunnel struct {
	api    cloudflare.API
	logger *slog.Logger

	accountID string
	tunnelID  string

	rules []cloudflare.IngressRule
	dirty bool
}

// newTunnel fetches the tunnel's current ingress rule list through the
// (cached) gateway and takes an owned copy of it.
func newTunnel(ctx context.Context, api cloudflare.API, logger *slog.Logger, accountID, tunnelID string) (*Tunnel, error) {
	rules, err := api.TunnelIngress(ctx, accountID, tunnelID)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch ingress for tunnel %q", tunnelID)
	}

	return &Tunnel{
		api:       api,
		logger:    logger.With("tunnel_id", tunnelID),
		accountID: accountID,
		tunnelID:  tunnelID,
		rules:     slices.Clone(rules),
	}, nil
}

// AddIngress inserts a rule for the entry's hostname immediately before the
// trailing catch-all. A hostname already routed is an informational no-op.
func (t *Tunnel) AddIngress(entry *labels.HostnameEntry) {
	if t.hasHostname(entry.Hostname) {
		t.logger.Info("public hostname already exists", "hostname", entry.Hostname)

		return
	}

	rule := cloudflare.IngressRule{
		Service:  entry.Service,
		Hostname: entry.Hostname,
		OriginRequest: cloudflare.OriginRequest{
			NoTLSVerify: entry.NoTLSVerify,
		},
	}

	t.rules = slices.Insert(t.rules, len(t.rules)-1, rule)
	t.dirty = true

	t.logger.Info("adding public hostname", "hostname", entry.Hostname, "service", entry.Service)
}

// RemoveIngress filters out every rule matching the entry's hostname.
// Removing an absent hostname is a warning and leaves the dirty flag alone.
func (t *Tunnel) RemoveIngress(entry *labels.HostnameEntry) {
	t.logger.Info("removing public hostname", "hostname", entry.Hostname)

	before := len(t.rules)

	t.rules = slices.DeleteFunc(t.rules, func(rule cloudflare.IngressRule) bool {
		return !rule.IsCatchAll() && strings.EqualFold(rule.Hostname, entry.Hostname)
	})

	if len(t.rules) == before {
		t.logger.Warn("no public hostname", "hostname", entry.Hostname)

		return
	}

	t.dirty = true
}

// Commit replaces the tunnel's entire ingress rule list in one call when
// anything changed, and clears the dirty flag either way. Returns the
// number of failed mutations (0 or 1).
func (t *Tunnel) Commit(ctx context.Context) int {
	if !t.dirty {
		return 0
	}

	t.dirty = false

	t.logger.Info("updating tunnel ingress", "rules", len(t.rules))

	if err := t.api.ReplaceTunnelIngress(ctx, t.accountID, t.tunnelID, t.rules); err != nil {
		t.logger.Error("failed to update tunnel ingress", "error", err)

		return 1
	}

	return 0
}

// RuleCount returns the current length of the aggregate's rule list,
// including the catch-all.
func (t *Tunnel) RuleCount() int {
	return len(t.rules)
}

func (t *Tunnel) hasHostname(hostname string) bool {
	for _, rule := range t.rules {
		if !rule.IsCatchAll() && strings.EqualFold(rule.Hostname, hostname) {
			return true
		}
	}

	return false
}
