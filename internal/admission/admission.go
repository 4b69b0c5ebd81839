// Package admission composes the policy snapshot and the token-bucket
// limiter into the single per-request decision used by the HTTP layer.
package admission

import (
	"strings"
	"time"

	"gatekeep/internal/limiter"
	"gatekeep/internal/policy"
)

// Gate is the integration point for request handlers. It holds
// references to the policy manager and the limiter but owns neither,
// so tests can assemble isolated instances.
type Gate struct {
	policies *policy.Manager
	limiter  *limiter.Limiter
}

func New(policies *policy.Manager, lim *limiter.Limiter) *Gate {
	return &Gate{policies: policies, limiter: lim}
}

// Policy returns the snapshot a caller should use for one request, so
// the admission decision and any response headers derive from the same
// document.
func (g *Gate) Policy() *policy.Document {
	return g.policies.Current()
}

// Admit decides whether one request may proceed. identity may be empty
// for unauthenticated callers; ip and path come from the HTTP layer.
// The second return is false when the request must be rejected, with
// Info carrying the retry hint.
func (g *Gate) Admit(identity, ip, path string) (limiter.Info, bool) {
	return g.AdmitWithPolicy(g.Policy(), identity, ip, path)
}

// AdmitWithPolicy is Admit against an explicit snapshot.
func (g *Gate) AdmitWithPolicy(doc *policy.Document, identity, ip, path string) (limiter.Info, bool) {
	if !doc.Enabled {
		return limiter.Info{}, true
	}
	if doc.FailOpenOnError && g.policies.Degraded() {
		// Operator explicitly chose open over stale on reload failure.
		return limiter.Info{}, true
	}

	p := path
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if doc.IsExempt(p) {
		return limiter.Info{}, true
	}

	endpointID, rule := policy.SelectEndpointRule(doc, p)
	return g.limiter.CheckRateLimit(limiter.CheckParams{
		UserID:     identity,
		IP:         ip,
		EndpointID: endpointID,
		Default:    doc.Default,
		Endpoint:   rule,
		PerUser:    doc.PerUser,
		PerIP:      doc.PerIP,
		Window:     time.Duration(doc.WindowSeconds) * time.Second,
	})
}
