// Package admin exposes the operator control plane for the rate
// limiter: inspect status, tune rules, manage exemptions and trigger
// reloads. Every mutating operation is all-or-nothing; a rejected
// change leaves the live policy untouched and the error is reported in
// the response message.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"gatekeep/internal/limiter"
	"gatekeep/internal/policy"
)

const maxBodyBytes = 1 << 20

// Handler serves the admin API on top of the policy manager and the
// limiter's live stats.
type Handler struct {
	policies *policy.Manager
	limiter  *limiter.Limiter
	log      zerolog.Logger
}

func NewHandler(policies *policy.Manager, lim *limiter.Limiter, log zerolog.Logger) *Handler {
	return &Handler{policies: policies, limiter: lim, log: log}
}

// Router builds the admin routes. authorize gates every route; the
// caller decides what counts as an administrator.
func (h *Handler) Router(authorize func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	if authorize != nil {
		r.Use(authorize)
	}

	r.Get("/status", h.getStatus)
	r.Put("/enabled", h.setEnabled)
	r.Put("/default", h.setDefaultRule)
	r.Get("/endpoints", h.listEndpointRules)
	r.Post("/endpoints", h.addEndpointRule)
	r.Delete("/endpoints/{path}", h.removeEndpointRule)
	r.Get("/exempt-paths", h.listExemptPaths)
	r.Post("/exempt-paths", h.addExemptPath)
	r.Delete("/exempt-paths/{path}", h.removeExemptPath)
	r.Post("/reload", h.reload)

	return r
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ruleInfo struct {
	PerSecond uint32 `json:"per_second"`
	BurstSize uint32 `json:"burst_size"`
}

type endpointRuleInfo struct {
	Path      string   `json:"path"`
	MatchType string   `json:"match_type"`
	Rule      ruleInfo `json:"rule"`
}

type statusResponse struct {
	Enabled            bool               `json:"enabled"`
	DefaultRule        ruleInfo           `json:"default_rule"`
	EndpointRules      []endpointRuleInfo `json:"endpoint_rules"`
	ExemptPaths        []string           `json:"exempt_paths"`
	ExemptPathPrefixes []string           `json:"exempt_path_prefixes"`
	Stats              limiter.Stats      `json:"stats"`
	LastReloadError    string             `json:"last_reload_error,omitempty"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	doc := h.policies.Get()

	resp := statusResponse{
		Enabled:            doc.Enabled,
		DefaultRule:        ruleInfo{PerSecond: doc.Default.PerSecond, BurstSize: doc.Default.BurstSize},
		EndpointRules:      endpointRuleInfos(doc.Endpoints),
		ExemptPaths:        doc.ExemptPaths,
		ExemptPathPrefixes: doc.ExemptPathPrefixes,
		Stats:              h.limiter.Stats(),
	}
	if err := h.policies.LastReloadError(); err != nil {
		resp.LastReloadError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req setEnabledRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.policies.SetEnabled(req.Enabled); err != nil {
		h.writeMutationError(w, r, "update enabled flag", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: fmt.Sprintf("Rate limiting enabled set to %t", req.Enabled),
	})
}

type setDefaultRuleRequest struct {
	PerSecond uint32 `json:"per_second"`
	BurstSize uint32 `json:"burst_size"`
}

func (h *Handler) setDefaultRule(w http.ResponseWriter, r *http.Request) {
	var req setDefaultRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule := policy.Rule{PerSecond: req.PerSecond, BurstSize: req.BurstSize}
	if err := h.policies.SetDefaultRule(rule); err != nil {
		h.writeMutationError(w, r, "update default rule", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: fmt.Sprintf("Default rule updated: %d req/s, burst %d", req.PerSecond, req.BurstSize),
	})
}

func (h *Handler) listEndpointRules(w http.ResponseWriter, r *http.Request) {
	doc := h.policies.Get()
	writeJSON(w, http.StatusOK, endpointRuleInfos(doc.Endpoints))
}

type addEndpointRuleRequest struct {
	Path      string `json:"path"`
	MatchType string `json:"match_type"`
	PerSecond uint32 `json:"per_second"`
	BurstSize uint32 `json:"burst_size"`
}

func (h *Handler) addEndpointRule(w http.ResponseWriter, r *http.Request) {
	var req addEndpointRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	matchType := policy.MatchExact
	if strings.EqualFold(req.MatchType, string(policy.MatchPrefix)) {
		matchType = policy.MatchPrefix
	}
	rule := policy.EndpointRule{
		Path:      req.Path,
		MatchType: matchType,
		Rule:      policy.Rule{PerSecond: req.PerSecond, BurstSize: req.BurstSize},
	}
	if err := h.policies.AddEndpointRule(rule); err != nil {
		h.writeMutationError(w, r, "add endpoint rule", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: fmt.Sprintf("Endpoint rule added for path: %s", req.Path),
	})
}

func (h *Handler) removeEndpointRule(w http.ResponseWriter, r *http.Request) {
	path, ok := h.pathParam(w, r)
	if !ok {
		return
	}
	if err := h.policies.RemoveEndpointRule(path); err != nil {
		h.writeMutationError(w, r, "remove endpoint rule", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: fmt.Sprintf("Endpoint rule removed for path: %s", path),
	})
}

func (h *Handler) listExemptPaths(w http.ResponseWriter, r *http.Request) {
	doc := h.policies.Get()
	paths := doc.ExemptPaths
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, paths)
}

type exemptPathRequest struct {
	Path string `json:"path"`
}

func (h *Handler) addExemptPath(w http.ResponseWriter, r *http.Request) {
	var req exemptPathRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "path must not be empty"})
		return
	}
	if err := h.policies.AddExemptPath(req.Path); err != nil {
		h.writeMutationError(w, r, "add exempt path", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: fmt.Sprintf("Exempt path added: %s", req.Path),
	})
}

func (h *Handler) removeExemptPath(w http.ResponseWriter, r *http.Request) {
	path, ok := h.pathParam(w, r)
	if !ok {
		return
	}
	if err := h.policies.RemoveExemptPath(path); err != nil {
		h.writeMutationError(w, r, "remove exempt path", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: fmt.Sprintf("Exempt path removed: %s", path),
	})
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.Reload(); err != nil {
		h.log.Warn().Err(err).Msg("admin-triggered policy reload failed")
		writeJSON(w, http.StatusInternalServerError, apiResponse{
			Success: false,
			Message: fmt.Sprintf("Reload failed, previous policy kept: %v", err),
		})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: "Rate limit configuration reloaded",
	})
}

// pathParam decodes the url-escaped {path} route parameter, so rule
// paths containing slashes round-trip through DELETE routes.
func (h *Handler) pathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "path")
	decoded, err := url.PathUnescape(raw)
	if err != nil || decoded == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid path parameter"})
		return "", false
	}
	return decoded, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{
			Success: false,
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return false
	}
	return true
}

// writeMutationError maps a failed mutator to a response while keeping
// the all-or-nothing contract visible: the message always says what
// was rejected, never anything about internal locking.
func (h *Handler) writeMutationError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	var verr *policy.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, policy.ErrNotFound):
		status = http.StatusNotFound
	}
	h.log.Warn().Err(err).Str("op", op).Str("path", r.URL.Path).Msg("admin mutation rejected")
	writeJSON(w, status, apiResponse{
		Success: false,
		Message: fmt.Sprintf("Failed to %s: %v", op, err),
	})
}

func endpointRuleInfos(rules []policy.EndpointRule) []endpointRuleInfo {
	out := make([]endpointRuleInfo, 0, len(rules))
	for _, ep := range rules {
		out = append(out, endpointRuleInfo{
			Path:      ep.Path,
			MatchType: string(ep.MatchType),
			Rule:      ruleInfo{PerSecond: ep.Rule.PerSecond, BurstSize: ep.Rule.BurstSize},
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
