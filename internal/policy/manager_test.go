package policy

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratelimit.yaml")
	doc := DefaultDocument()
	if err := SaveDocument(doc, path); err != nil {
		t.Fatalf("save initial document: %v", err)
	}
	m, err := FromFile(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	return m
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Enabled:       true,
		Default:       Rule{PerSecond: 50, BurstSize: 100},
		PerUser:       true,
		PerIP:         false,
		WindowSeconds: 300,
		Endpoints: []EndpointRule{
			{Path: "/_matrix/client/r0/login", MatchType: MatchExact, Rule: Rule{PerSecond: 1, BurstSize: 5}},
			{Path: "/_matrix/client", MatchType: MatchPrefix, Rule: Rule{PerSecond: 20, BurstSize: 40}},
		},
		IPHeaderPriority:      []string{"x-real-ip"},
		IncludeHeaders:        true,
		ExemptPaths:           []string{"/health", "/version"},
		ExemptPathPrefixes:    []string{"/static/"},
		EndpointAliases:       map[string]string{"/_matrix/client/r0/login": "login"},
		FailOpenOnError:       true,
		ReloadIntervalSeconds: 15,
	}

	path := filepath.Join(t.TempDir(), "nested", "dir", "ratelimit.yaml")
	if err := SaveDocument(doc, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(doc, loaded) {
		t.Fatalf("round trip mismatch:\nsaved:  %+v\nloaded: %+v", doc, loaded)
	}
}

func TestLoadDocument_AppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "minimal.yaml")
	minimal := "default:\n  per_second: 5\n  burst_size: 10\n"
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	doc, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.WindowSeconds != 60 {
		t.Fatalf("expected default window 60, got %d", doc.WindowSeconds)
	}
	if doc.ReloadIntervalSeconds != 30 {
		t.Fatalf("expected default reload interval 30, got %d", doc.ReloadIntervalSeconds)
	}
	if len(doc.IPHeaderPriority) == 0 {
		t.Fatalf("expected default ip header priority")
	}
}

func TestLoadDocument_RequiresDefaultRule(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nodefault.yaml")
	if err := os.WriteFile(path, []byte("enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDocument(path); err == nil {
		t.Fatalf("expected missing default rule to fail validation")
	}
}

func TestLoadDocument_DefaultsOmittedMatchType(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mt.yaml")
	raw := `
default:
  per_second: 5
  burst_size: 10
endpoints:
  - path: /login
    rule:
      per_second: 1
      burst_size: 5
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Endpoints[0].MatchType != MatchExact {
		t.Fatalf("expected omitted match_type to default to exact, got %q", doc.Endpoints[0].MatchType)
	}
}

func TestReload_FailSafeOnCorruptFile(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if err := m.SetDefaultRule(Rule{PerSecond: 42, BurstSize: 84}); err != nil {
		t.Fatalf("set default rule: %v", err)
	}

	if err := os.WriteFile(m.Path(), []byte("{{{ not yaml"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	if err := m.Reload(); err == nil {
		t.Fatalf("expected reload of corrupt file to fail")
	}
	if !m.Degraded() {
		t.Fatalf("expected manager to report degraded after failed reload")
	}
	if got := m.Current().Default.PerSecond; got != 42 {
		t.Fatalf("expected previous snapshot to stay live, got per_second=%d", got)
	}

	// A fixed file recovers on the next reload.
	good := DefaultDocument()
	good.Default = Rule{PerSecond: 7, BurstSize: 14}
	if err := SaveDocument(good, m.Path()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.Degraded() {
		t.Fatalf("expected degraded to clear after successful reload")
	}
	if got := m.Current().Default.PerSecond; got != 7 {
		t.Fatalf("expected reloaded snapshot, got per_second=%d", got)
	}
}

func TestReload_RejectsInvalidDocument(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	bad := "default:\n  per_second: 0\n  burst_size: 10\n"
	if err := os.WriteFile(m.Path(), []byte(bad), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Reload(); err == nil {
		t.Fatalf("expected invalid document to fail reload")
	}
	if got := m.Current().Default.PerSecond; got == 0 {
		t.Fatalf("invalid document became live")
	}
}

func TestMutators_AllOrNothing(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	before := m.Get()

	err := m.AddEndpointRule(EndpointRule{Path: "/x", MatchType: MatchExact, Rule: Rule{PerSecond: 0, BurstSize: 5}})
	if err == nil {
		t.Fatalf("expected invalid rule to be rejected")
	}

	after := m.Get()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rejected mutation changed live config:\nbefore: %+v\nafter:  %+v", before, after)
	}

	// The rejected rule must not have been persisted either.
	loaded, err := LoadDocument(m.Path())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Endpoints) != len(before.Endpoints) {
		t.Fatalf("rejected mutation reached disk")
	}
}

func TestMutators_PersistToDisk(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	rule := EndpointRule{Path: "/login", MatchType: MatchExact, Rule: Rule{PerSecond: 1, BurstSize: 5}}
	if err := m.AddEndpointRule(rule); err != nil {
		t.Fatalf("add endpoint rule: %v", err)
	}
	if err := m.AddExemptPath("/metrics"); err != nil {
		t.Fatalf("add exempt path: %v", err)
	}

	loaded, err := LoadDocument(m.Path())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Endpoints) != 1 || loaded.Endpoints[0].Path != "/login" {
		t.Fatalf("endpoint rule not persisted: %+v", loaded.Endpoints)
	}
	found := false
	for _, p := range loaded.ExemptPaths {
		if p == "/metrics" {
			found = true
		}
	}
	if !found {
		t.Fatalf("exempt path not persisted: %v", loaded.ExemptPaths)
	}
}

func TestRemoveMutators_ReportNotFound(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if err := m.RemoveEndpointRule("/missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
	if err := m.RemoveExemptPath("/missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestSetDefaultRule_ConcurrentWritersPublishOneValue(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			rule := Rule{PerSecond: uint32(i + 1), BurstSize: uint32((i + 1) * 2)}
			if err := m.SetDefaultRule(rule); err != nil {
				t.Errorf("set default rule: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got := m.Current().Default
	// The winner must be exactly one of the written values, with both
	// fields from the same write (never a torn mix).
	if got.BurstSize != got.PerSecond*2 {
		t.Fatalf("torn default rule: %+v", got)
	}
	if got.PerSecond == 0 || got.PerSecond > writers {
		t.Fatalf("unexpected default rule: %+v", got)
	}
}

func TestWatch_PicksUpChangesAndStops(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	next := DefaultDocument()
	next.Default = Rule{PerSecond: 99, BurstSize: 198}
	if err := SaveDocument(next, m.Path()); err != nil {
		t.Fatalf("save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for m.Current().Default.PerSecond != 99 {
		select {
		case <-deadline:
			t.Fatalf("watcher never picked up new document")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop on cancellation")
	}
}
