package labels

import (
	"fmt"
	"net/url"
	"strings"
)

// Namespace is the label key prefix consulted by the controller. All other
// labels on a container are ignored.
const Namespace = "cloudflare."

// Recognized label keys.
const (
	KeyPublicHostname = "cloudflare.zero_trust.access.tunnel.public_hostname"
	KeyService        = "cloudflare.zero_trust.access.tunnel.service"
	KeyTunnelID       = "cloudflare.zero_trust.access.tunnel.id"
	KeyNoTLSVerify    = "cloudflare.zero_trust.access.tunnel.tls.notlsverify"
	KeyCNAMEName      = "cloudflare.dns.cname.name"
	KeyCNAMETarget    = "cloudflare.dns.cname.target"
	KeyAName          = "cloudflare.dns.a.name"
	KeyAIP            = "cloudflare.dns.a.ip"
)

// tunnelDomainSuffix is the Cloudflare-managed domain that CNAME records for
// tunnel-routed hostnames must point at.
const tunnelDomainSuffix = ".cfargotunnel.com"

// RecordKind is a DNS record type managed by the controller.
type RecordKind string

// Managed record kinds. Other record types are never touched.
const (
	RecordA     RecordKind = "A"
	RecordCNAME RecordKind = "CNAME"
)

// ValidationError reports a malformed or missing label value. It is always
// recoverable: the driver logs it and skips the offending container.
type ValidationError struct {
	Label  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("label %s: %s", e.Label, e.Reason)
	}

	return fmt.Sprintf("label %s: %s: %q", e.Label, e.Reason, e.Value)
}

// DNSEntry is a single desired DNS record. Identity for deduplication is
// (Kind, ZoneID, Name); Value and Proxied do not participate.
type DNSEntry struct {
	Kind    RecordKind
	Name    string
	Value   string
	ZoneID  string
	Proxied bool
}

// RecordKey is the identity of a DNSEntry.
type RecordKey struct {
	Kind   RecordKind
	ZoneID string
	Name   string
}

// Key returns the deduplication identity of the entry.
func (e DNSEntry) Key() RecordKey {
	return RecordKey{Kind: e.Kind, ZoneID: e.ZoneID, Name: e.Name}
}

func (e DNSEntry) String() string {
	return fmt.Sprintf("%s %s -> %s", e.Kind, e.Name, e.Value)
}

// HostnameEntry is a single desired tunnel-routed public hostname bound to
// an upstream service URL. NoTLSVerify is nil when the label is absent,
// which is distinct from an explicit false.
type HostnameEntry struct {
	Hostname    string
	Service     string
	ZoneName    string
	ZoneID      string
	TunnelID    string
	NoTLSVerify *bool
}

// DNSRecord derives the proxied CNAME record that routes the hostname
// through the tunnel.
func (e HostnameEntry) DNSRecord() DNSEntry {
	return DNSEntry{
		Kind:    RecordCNAME,
		Name:    e.Hostname,
		Value:   TunnelRecordValue(e.TunnelID),
		ZoneID:  e.ZoneID,
		Proxied: true,
	}
}

// TunnelRecordValue returns the CNAME target for a tunnel id.
func TunnelRecordValue(tunnelID string) string {
	return tunnelID + tunnelDomainSuffix
}

// EntryKind discriminates the Entry variant.
type EntryKind string

// Entry variants.
const (
	EntryKindHostname EntryKind = "tunnel_hostname"
	EntryKindRecord   EntryKind = "dns_record"
)

// Entry is a tagged variant over the two desired-state kinds. Exactly one
// of Hostname and Record is set, selected by Kind. The reconciliation
// driver routes entries with a switch on Kind: hostname entries target both
// a zone and a tunnel, record entries target a zone only.
type Entry struct {
	Kind     EntryKind
	Hostname *HostnameEntry
	Record   *DNSEntry
}

// ZoneResolver resolves a zone name to its zone id. Supplied by the caller
// because resolution requires a remote call; Parse is otherwise pure.
type ZoneResolver func(zoneName string) (string, error)

// Relevant filters a raw label map down to the recognized namespace.
// Returns nil when no label under the namespace is present.
func Relevant(raw map[string]string) map[string]string {
	var out map[string]string

	for key, val := range raw {
		if !strings.HasPrefix(key, Namespace) {
			continue
		}

		if out == nil {
			out = make(map[string]string)
		}

		out[key] = val
	}

	return out
}

// Parse derives desired-state entries from a container's labels. The result
// is the concatenation of tunnel hostname entries, then CNAME entries, then
// A entries. Validation failures return a *ValidationError; a zone resolver
// failure is returned as-is. Either way the whole container is rejected.
func Parse(raw map[string]string, defaultTunnelID string, resolve ZoneResolver) ([]Entry, error) {
	var entries []Entry

	hostEntries, err := parseHostnames(raw, defaultTunnelID, resolve)
	if err != nil {
		return nil, err
	}

	for i := range hostEntries {
		entries = append(entries, Entry{Kind: EntryKindHostname, Hostname: &hostEntries[i]})
	}

	cnames, err := parseRecords(raw, KeyCNAMEName, KeyCNAMETarget, RecordCNAME, resolve)
	if err != nil {
		return nil, err
	}

	anames, err := parseRecords(raw, KeyAName, KeyAIP, RecordA, resolve)
	if err != nil {
		return nil, err
	}

	for i := range cnames {
		entries = append(entries, Entry{Kind: EntryKindRecord, Record: &cnames[i]})
	}

	for i := range anames {
		entries = append(entries, Entry{Kind: EntryKindRecord, Record: &anames[i]})
	}

	return entries, nil
}

func parseHostnames(raw map[string]string, defaultTunnelID string, resolve ZoneResolver) ([]HostnameEntry, error) {
	hostnames, err := nameList(raw, KeyPublicHostname)
	if err != nil {
		return nil, err
	}

	if len(hostnames) == 0 {
		return nil, nil
	}

	service, err := validateService(labelValue(raw, KeyService))
	if err != nil {
		return nil, err
	}

	tunnelID := labelValue(raw, KeyTunnelID)
	if tunnelID == "" {
		tunnelID = defaultTunnelID
	}

	noTLSVerify, err := parseNoTLSVerify(raw)
	if err != nil {
		return nil, err
	}

	entries := make([]HostnameEntry, 0, len(hostnames))

	for _, hostname := range hostnames {
		zoneName := ZoneName(hostname)

		zoneID, err := resolve(zoneName)
		if err != nil {
			return nil, err
		}

		entries = append(entries, HostnameEntry{
			Hostname:    hostname,
			Service:     service,
			ZoneName:    zoneName,
			ZoneID:      zoneID,
			TunnelID:    tunnelID,
			NoTLSVerify: noTLSVerify,
		})
	}

	return entries, nil
}

func parseRecords(
	raw map[string]string,
	nameKey, targetKey string,
	kind RecordKind,
	resolve ZoneResolver,
) ([]DNSEntry, error) {
	names, err := nameList(raw, nameKey)
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		return nil, nil
	}

	// TODO: validate the target value itself (IP literal for A, hostname for CNAME).
	target := labelValue(raw, targetKey)
	if target == "" {
		return nil, &ValidationError{Label: targetKey, Reason: "target not specified"}
	}

	entries := make([]DNSEntry, 0, len(names))

	for _, name := range names {
		zoneID, err := resolve(ZoneName(name))
		if err != nil {
			return nil, err
		}

		entries = append(entries, DNSEntry{
			Kind:    kind,
			Name:    name,
			Value:   target,
			ZoneID:  zoneID,
			Proxied: false,
		})
	}

	return entries, nil
}

// labelValue returns the trimmed value of a label, or "" when absent.
func labelValue(raw map[string]string, key string) string {
	return strings.TrimSpace(raw[key])
}

// nameList parses a comma-separated hostname list label: split, trim,
// deduplicate preserving first-seen order, validate each element. An absent
// or empty label yields an empty list, not an error.
func nameList(raw map[string]string, key string) ([]string, error) {
	val := labelValue(raw, key)
	if val == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var names []string

	for _, part := range strings.Split(val, ",") {
		name := strings.TrimSpace(part)
		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}

		if err := validateHostname(key, name); err != nil {
			return nil, err
		}

		names = append(names, name)
	}

	return names, nil
}

func validateHostname(key, hostname string) error {
	if hostname == "" {
		return &ValidationError{Label: key, Reason: "hostname not specified"}
	}

	parts := strings.Split(hostname, ".")
	if len(parts) < 2 {
		return &ValidationError{
			Label:  key,
			Value:  hostname,
			Reason: `hostname must be like "domain.com" or "subdomain.domain.com"`,
		}
	}

	for _, part := range parts {
		if part == "" {
			return &ValidationError{Label: key, Value: hostname, Reason: "hostname has an empty label"}
		}
	}

	return nil
}

func validateService(service string) (string, error) {
	if service == "" {
		return "", &ValidationError{Label: KeyService, Reason: "service not specified"}
	}

	parsed, err := url.Parse(service)
	if err != nil || parsed.Host == "" {
		return "", &ValidationError{Label: KeyService, Value: service, Reason: "service is not a valid URL"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", &ValidationError{Label: KeyService, Value: service, Reason: "service scheme must be http or https"}
	}

	return service, nil
}

// Accepted boolean tokens for the noTLSVerify label. The set is fixed:
// anything else non-empty is a validation error, not a default.
//
//nolint:gochecknoglobals // immutable token sets
var (
	trueTokens  = map[string]struct{}{"true": {}, "True": {}, "TRUE": {}, "t": {}, "T": {}, "1": {}}
	falseTokens = map[string]struct{}{"false": {}, "False": {}, "FALSE": {}, "f": {}, "F": {}, "0": {}}
)

// parseNoTLSVerify returns nil when the label is absent; absent is distinct
// from an explicit false.
func parseNoTLSVerify(raw map[string]string) (*bool, error) {
	val, ok := raw[KeyNoTLSVerify]
	if !ok {
		return nil, nil
	}

	val = strings.TrimSpace(val)

	if _, ok := trueTokens[val]; ok {
		result := true

		return &result, nil
	}

	if _, ok := falseTokens[val]; ok {
		result := false

		return &result, nil
	}

	return nil, &ValidationError{Label: KeyNoTLSVerify, Value: val, Reason: "invalid notlsverify value"}
}

// ZoneName derives the registrable zone from a hostname as its last two
// dot-separated labels. Known limitation: multi-label public suffixes
// (co.uk and friends) are not handled.
func ZoneName(hostname string) string {
	parts := strings.Split(hostname, ".")
	if len(parts) <= 2 {
		return hostname
	}

	return strings.Join(parts[len(parts)-2:], ".")
}
