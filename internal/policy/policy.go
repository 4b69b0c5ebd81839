// Package policy models the rate-limiting policy document: the default
// rule, per-endpoint overrides, exemptions and the knobs that control
// how admission behaves. The document is plain data; the Manager owns
// the live copy.
package policy

import (
	"fmt"
	"strings"
)

// MatchType selects how an endpoint rule's path is compared against a
// request path.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
)

// Rule is a single token-bucket quota: sustained rate plus burst
// capacity. Both fields must be positive to pass validation.
type Rule struct {
	PerSecond uint32 `yaml:"per_second" json:"per_second"`
	BurstSize uint32 `yaml:"burst_size" json:"burst_size"`
}

// EndpointRule overrides the default rule for paths matching Path.
type EndpointRule struct {
	Path      string    `yaml:"path" json:"path"`
	MatchType MatchType `yaml:"match_type" json:"match_type"`
	Rule      Rule      `yaml:"rule" json:"rule"`
}

// Document is the full policy: the unit loaded from and persisted to
// disk, and the unit swapped wholesale on reload. Callers never mutate
// a Document obtained from the Manager; mutation goes through the
// Manager's API.
type Document struct {
	Enabled               bool              `yaml:"enabled" json:"enabled"`
	Default               Rule              `yaml:"default" json:"default"`
	Endpoints             []EndpointRule    `yaml:"endpoints" json:"endpoints"`
	PerUser               bool              `yaml:"per_user" json:"per_user"`
	PerIP                 bool              `yaml:"per_ip" json:"per_ip"`
	WindowSeconds         uint32            `yaml:"window_seconds" json:"window_seconds"`
	IPHeaderPriority      []string          `yaml:"ip_header_priority" json:"ip_header_priority"`
	IncludeHeaders        bool              `yaml:"include_headers" json:"include_headers"`
	ExemptPaths           []string          `yaml:"exempt_paths" json:"exempt_paths"`
	ExemptPathPrefixes    []string          `yaml:"exempt_path_prefixes" json:"exempt_path_prefixes"`
	EndpointAliases       map[string]string `yaml:"endpoint_aliases" json:"endpoint_aliases"`
	FailOpenOnError       bool              `yaml:"fail_open_on_error" json:"fail_open_on_error"`
	ReloadIntervalSeconds uint32            `yaml:"reload_interval_seconds" json:"reload_interval_seconds"`
}

// DefaultDocument returns the policy used when no file exists yet.
func DefaultDocument() *Document {
	return &Document{
		Enabled:               true,
		Default:               Rule{PerSecond: 10, BurstSize: 20},
		PerUser:               true,
		PerIP:                 true,
		WindowSeconds:         60,
		IPHeaderPriority:      []string{"x-forwarded-for", "x-real-ip", "forwarded"},
		IncludeHeaders:        true,
		ExemptPaths:           []string{"/health", "/version"},
		ReloadIntervalSeconds: 30,
	}
}

// applyDefaults fills omitted optional fields after a YAML load. The
// default rule is deliberately not defaulted: it must be present and
// non-zero in the file, and Validate rejects it otherwise.
func (d *Document) applyDefaults() {
	if d.WindowSeconds == 0 {
		d.WindowSeconds = 60
	}
	if len(d.IPHeaderPriority) == 0 {
		d.IPHeaderPriority = []string{"x-forwarded-for", "x-real-ip", "forwarded"}
	}
	if d.ReloadIntervalSeconds == 0 {
		d.ReloadIntervalSeconds = 30
	}
	for i := range d.Endpoints {
		if d.Endpoints[i].MatchType == "" {
			d.Endpoints[i].MatchType = MatchExact
		}
	}
}

// ValidationError reports why a document was rejected. A rejected
// document never becomes live.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy validation: %s: %s", e.Field, e.Reason)
}

// Validate checks the document without touching any shared state. It
// also rejects duplicate endpoint rules for the same path and match
// type, so prefix resolution can never depend on registration order.
func (d *Document) Validate() error {
	if d.Default.PerSecond == 0 {
		return &ValidationError{Field: "default.per_second", Reason: "must be greater than zero"}
	}
	if d.Default.BurstSize == 0 {
		return &ValidationError{Field: "default.burst_size", Reason: "must be greater than zero"}
	}
	seen := make(map[string]struct{}, len(d.Endpoints))
	for i, ep := range d.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		if ep.Path == "" {
			return &ValidationError{Field: field + ".path", Reason: "must not be empty"}
		}
		switch ep.MatchType {
		case MatchExact, MatchPrefix:
		default:
			return &ValidationError{
				Field:  field + ".match_type",
				Reason: fmt.Sprintf("unknown match type %q", ep.MatchType),
			}
		}
		key := string(ep.MatchType) + ":" + ep.Path
		if _, dup := seen[key]; dup {
			return &ValidationError{
				Field:  field + ".path",
				Reason: fmt.Sprintf("duplicate %s rule for %q", ep.MatchType, ep.Path),
			}
		}
		seen[key] = struct{}{}
		if ep.Rule.PerSecond == 0 {
			return &ValidationError{Field: field + ".rule.per_second", Reason: "must be greater than zero"}
		}
		if ep.Rule.BurstSize == 0 {
			return &ValidationError{Field: field + ".rule.burst_size", Reason: "must be greater than zero"}
		}
	}
	return nil
}

// Clone returns a deep copy safe to mutate independently.
func (d *Document) Clone() *Document {
	out := *d
	out.Endpoints = append([]EndpointRule(nil), d.Endpoints...)
	out.IPHeaderPriority = append([]string(nil), d.IPHeaderPriority...)
	out.ExemptPaths = append([]string(nil), d.ExemptPaths...)
	out.ExemptPathPrefixes = append([]string(nil), d.ExemptPathPrefixes...)
	if d.EndpointAliases != nil {
		out.EndpointAliases = make(map[string]string, len(d.EndpointAliases))
		for k, v := range d.EndpointAliases {
			out.EndpointAliases[k] = v
		}
	}
	return &out
}

// IsExempt reports whether a path bypasses admission entirely.
func (d *Document) IsExempt(path string) bool {
	for _, p := range d.ExemptPaths {
		if p == path {
			return true
		}
	}
	for _, p := range d.ExemptPathPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// SelectEndpointRule resolves the rule governing requestPath. An exact
// rule wins outright; otherwise the longest matching prefix rule wins;
// otherwise the default applies. The returned id is the winning rule's
// path mapped through endpoint_aliases, so templated paths can share
// one bucket under one name. Anything after "?" is ignored.
func SelectEndpointRule(d *Document, requestPath string) (string, Rule) {
	path := requestPath
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	var best *EndpointRule
	for i := range d.Endpoints {
		ep := &d.Endpoints[i]
		switch ep.MatchType {
		case MatchExact:
			if ep.Path == path {
				return aliasFor(d, ep.Path), ep.Rule
			}
		case MatchPrefix:
			if strings.HasPrefix(path, ep.Path) {
				if best == nil || len(ep.Path) > len(best.Path) {
					best = ep
				}
			}
		}
	}
	if best != nil {
		return aliasFor(d, best.Path), best.Rule
	}
	return path, d.Default
}

func aliasFor(d *Document, path string) string {
	if alias, ok := d.EndpointAliases[path]; ok {
		return alias
	}
	return path
}
