package cloudflare

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	cf "github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/dns"
	"github.com/cloudflare/cloudflare-go/v6/option"
	"github.com/cloudflare/cloudflare-go/v6/zero_trust"
	"github.com/cloudflare/cloudflare-go/v6/zones"
	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/labels"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/metrics"
)

// ClientConfig configures the real Cloudflare gateway.
type ClientConfig struct {
	APIToken string
	// Debug logs every HTTP exchange with the Cloudflare API.
	Debug   bool
	Metrics metrics.Collector
	Logger  *slog.Logger
}

// Client implements API against the Cloudflare API via cloudflare-go.
type Client struct {
	api     *cf.Client
	metrics metrics.Collector
	logger  *slog.Logger
}

// NewClient creates the real gateway. A nil Metrics collector defaults to
// the no-op collector.
func NewClient(cfg ClientConfig) *Client {
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("component", "cloudflare-api")

	opts := []option.RequestOption{option.WithAPIToken(cfg.APIToken)}
	if cfg.Debug {
		opts = append(opts, option.WithMiddleware(debugMiddleware(logger)))
	}

	return &Client{
		api:     cf.NewClient(opts...),
		metrics: collector,
		logger:  logger,
	}
}

// debugMiddleware logs every request/response pair at debug level.
func debugMiddleware(logger *slog.Logger) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		start := time.Now()

		resp, err := next(req)

		attrs := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"duration", time.Since(start),
		}
		if resp != nil {
			attrs = append(attrs, "status", resp.StatusCode)
		}

		if err != nil {
			attrs = append(attrs, "error", err)
		}

		logger.Debug("cloudflare http exchange", attrs...)

		return resp, err
	}
}

// observe records call metrics and logs the failure, if any, with the
// failing operation and target identifiers.
func (c *Client) observe(ctx context.Context, method, resource string, start time.Time, err error, ids ...any) {
	if err == nil {
		c.metrics.RecordAPICall(ctx, method, resource, "success", time.Since(start))

		return
	}

	c.metrics.RecordAPICall(ctx, method, resource, "error", time.Since(start))
	c.metrics.RecordAPIError(ctx, method, metrics.ClassifyCloudflareError(err))

	attrs := append([]any{"resource", resource, "method", method, "error", err}, ids...)
	c.logger.Error("cloudflare api call failed", attrs...)
}

// ZoneID resolves a zone name to its id.
func (c *Client) ZoneID(ctx context.Context, zoneName string) (string, error) {
	start := time.Now()

	page, err := c.api.Zones.List(ctx, zones.ZoneListParams{
		Name: cf.F(zoneName),
	})

	c.observe(ctx, "list", "zones", start, err, "zone_name", zoneName)

	if err != nil {
		return "", errors.Wrapf(err, "list zones for %q", zoneName)
	}

	if len(page.Result) == 0 {
		return "", errors.Wrapf(ErrNotFound, "zone %q", zoneName)
	}

	return page.Result[0].ID, nil
}

// DNSRecords lists the zone's A and CNAME records.
func (c *Client) DNSRecords(ctx context.Context, zoneID string) ([]DNSRecord, error) {
	start := time.Now()

	iter := c.api.DNS.Records.ListAutoPaging(ctx, dns.RecordListParams{
		ZoneID: cf.F(zoneID),
	})

	var records []DNSRecord

	for iter.Next() {
		rec := iter.Current()

		kind, managed := recordKind(rec.Type)
		if !managed {
			continue
		}

		records = append(records, DNSRecord{ID: rec.ID, Name: rec.Name, Kind: kind})
	}

	err := iter.Err()
	c.observe(ctx, "list", "dns_records", start, err, "zone_id", zoneID)

	if err != nil {
		return nil, errors.Wrapf(err, "list dns records for zone %q", zoneID)
	}

	return records, nil
}

// DNSRecordID resolves a record name to its id within a zone. The lookup is
// exact and case-sensitive on the record name.
func (c *Client) DNSRecordID(ctx context.Context, zoneID, name string) (string, error) {
	start := time.Now()

	page, err := c.api.DNS.Records.List(ctx, dns.RecordListParams{
		ZoneID: cf.F(zoneID),
		Name:   cf.F(dns.RecordListParamsName{Exact: cf.F(name)}),
	})

	c.observe(ctx, "list", "dns_records", start, err, "zone_id", zoneID, "name", name)

	if err != nil {
		return "", errors.Wrapf(err, "find dns record %q in zone %q", name, zoneID)
	}

	if len(page.Result) == 0 {
		return "", errors.Wrapf(ErrNotFound, "dns record %q in zone %q", name, zoneID)
	}

	return page.Result[0].ID, nil
}

// CreateDNSRecord creates one record in the zone.
func (c *Client) CreateDNSRecord(
	ctx context.Context,
	kind labels.RecordKind,
	zoneID, name, value string,
	proxied bool,
) error {
	params, err := recordNewParams(kind, zoneID, name, value, proxied)
	if err != nil {
		return err
	}

	start := time.Now()

	_, err = c.api.DNS.Records.New(ctx, params)

	c.observe(ctx, "create", "dns_records", start, err, "zone_id", zoneID, "name", name)

	if err != nil {
		return errors.Wrapf(err, "create %s record %q in zone %q", kind, name, zoneID)
	}

	return nil
}

// recordNewParams builds the typed creation body for a managed record kind.
func recordNewParams(
	kind labels.RecordKind,
	zoneID, name, value string,
	proxied bool,
) (dns.RecordNewParams, error) {
	params := dns.RecordNewParams{ZoneID: cf.F(zoneID)}

	switch kind {
	case labels.RecordA:
		params.Body = dns.ARecordParam{
			Type:    cf.F(dns.ARecordTypeA),
			Name:    cf.F(name),
			Content: cf.F(value),
			Proxied: cf.F(proxied),
		}
	case labels.RecordCNAME:
		params.Body = dns.CNAMERecordParam{
			Type:    cf.F(dns.CNAMERecordTypeCNAME),
			Name:    cf.F(name),
			Content: cf.F(value),
			Proxied: cf.F(proxied),
		}
	default:
		return dns.RecordNewParams{}, errors.Newf("unsupported record kind %q", kind)
	}

	return params, nil
}

// DeleteDNSRecord deletes one record from the zone by id.
func (c *Client) DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error {
	start := time.Now()

	_, err := c.api.DNS.Records.Delete(ctx, recordID, dns.RecordDeleteParams{
		ZoneID: cf.F(zoneID),
	})

	c.observe(ctx, "delete", "dns_records", start, err, "zone_id", zoneID, "record_id", recordID)

	if err != nil {
		return errors.Wrapf(err, "delete dns record %q in zone %q", recordID, zoneID)
	}

	return nil
}

// TunnelIngress returns the tunnel's ordered ingress rule list.
func (c *Client) TunnelIngress(ctx context.Context, accountID, tunnelID string) ([]IngressRule, error) {
	start := time.Now()

	resp, err := c.api.ZeroTrust.Tunnels.Cloudflared.Configurations.Get(
		ctx,
		tunnelID,
		zero_trust.TunnelCloudflaredConfigurationGetParams{
			AccountID: cf.String(accountID),
		},
	)

	c.observe(ctx, "get", "tunnel_configurations", start, err, "account_id", accountID, "tunnel_id", tunnelID)

	if err != nil {
		return nil, errors.Wrapf(err, "get ingress for tunnel %q", tunnelID)
	}

	if len(resp.Config.Ingress) == 0 {
		return DefaultIngress(), nil
	}

	rules := make([]IngressRule, 0, len(resp.Config.Ingress))

	for i := range resp.Config.Ingress {
		rules = append(rules, ruleFromResponse(&resp.Config.Ingress[i]))
	}

	return rules, nil
}

// ReplaceTunnelIngress replaces the tunnel's entire ingress rule list.
func (c *Client) ReplaceTunnelIngress(ctx context.Context, accountID, tunnelID string, rules []IngressRule) error {
	params := make([]zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngress, 0, len(rules))
	for _, rule := range rules {
		params = append(params, ruleToParams(rule))
	}

	start := time.Now()

	_, err := c.api.ZeroTrust.Tunnels.Cloudflared.Configurations.Update(
		ctx,
		tunnelID,
		zero_trust.TunnelCloudflaredConfigurationUpdateParams{
			AccountID: cf.String(accountID),
			Config: cf.F(zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfig{
				Ingress: cf.F(params),
			}),
		},
	)

	c.observe(ctx, "update", "tunnel_configurations", start, err, "account_id", accountID, "tunnel_id", tunnelID)

	if err != nil {
		return errors.Wrapf(err, "update ingress for tunnel %q", tunnelID)
	}

	return nil
}

func recordKind(typ dns.RecordResponseType) (labels.RecordKind, bool) {
	switch typ {
	case dns.RecordResponseTypeA:
		return labels.RecordA, true
	case dns.RecordResponseTypeCNAME:
		return labels.RecordCNAME, true
	default:
		return "", false
	}
}

// ruleFromResponse reduces a configuration response rule to the neutral
// form. The SDK zero value conflates an absent noTLSVerify with an explicit
// false; both mean TLS verification stays on, so false reads back as unset.
func ruleFromResponse(r *zero_trust.TunnelCloudflaredConfigurationGetResponseConfigIngress) IngressRule {
	rule := IngressRule{
		Service:  r.Service,
		Hostname: r.Hostname,
	}

	if r.OriginRequest.NoTLSVerify {
		verify := true
		rule.OriginRequest.NoTLSVerify = &verify
	}

	return rule
}

func ruleToParams(r IngressRule) zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngress {
	out := zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngress{
		Service: cf.F(r.Service),
	}

	if r.Hostname != "" {
		out.Hostname = cf.F(r.Hostname)
	}

	origin := zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngressOriginRequest{}
	if r.OriginRequest.NoTLSVerify != nil {
		origin.NoTLSVerify = cf.F(*r.OriginRequest.NoTLSVerify)
	}

	out.OriginRequest = cf.F(origin)

	return out
}
