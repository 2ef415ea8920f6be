// Package usage probes the quota endpoints behind the claude, codex
// and gemini CLIs and caches the snapshots in the store. Probes reuse
// the tokens the CLIs wrote to disk; a provider without a usable token
// is reported as unauthenticated, never as a server error.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/climpire/internal/bus"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/pkg/protocol"
)

// Providers with a quota API. Opencode has none; copilot and
// antigravity quotas ride on the OAuth accounts instead.
var Providers = []string{store.ProviderClaude, store.ProviderCodex, store.ProviderGemini}

const (
	// refreshSchedule re-probes twice an hour; dashboards that need
	// fresher numbers hit the forced-refresh endpoint.
	refreshSchedule = "*/30 * * * *"

	// tokenFreshnessMargin treats tokens about to expire as expired so
	// a probe never races the provider's clock.
	tokenFreshnessMargin = 5 * time.Minute
)

// errUnauthenticated means no usable token was found for the provider.
var errUnauthenticated = errors.New("usage: unauthenticated")

// httpStatusError preserves the upstream status code for the cache.
type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("usage: upstream http %d", e.code)
}

// Window is one quota window as rendered by the dashboard.
type Window struct {
	Label       string  `json:"label"`
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resetsAt,omitempty"`
}

// Snapshot is the cached payload for one provider. Probe failures are
// folded into Error so callers always see a well-formed snapshot.
type Snapshot struct {
	Windows []Window `json:"windows"`
	Error   string   `json:"error,omitempty"`
}

// CachedSnapshot adds the cache timestamp for REST and WS consumers.
type CachedSnapshot struct {
	Snapshot
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Service owns the probe loop and the usage cache.
type Service struct {
	store  store.UsageStore
	bus    bus.EventPublisher
	logger *slog.Logger
	client *http.Client

	group   singleflight.Group
	limiter *rate.Limiter

	// home lets tests point the file probes at a scratch directory.
	home string

	claudeUsageURL string
	codexUsageURL  string
	geminiBase     string
	googleTokenURL string
}

func New(st store.UsageStore, pub bus.EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Service{
		store:  st,
		bus:    pub,
		logger: logger.With("component", "usage"),
		client: &http.Client{Timeout: 20 * time.Second},

		limiter: rate.NewLimiter(rate.Every(15*time.Second), 1),
		home:    home,

		claudeUsageURL: "https://api.anthropic.com/api/oauth/usage",
		codexUsageURL:  "https://chatgpt.com/backend-api/wham/usage",
		geminiBase:     "https://cloudcode-pa.googleapis.com",
		googleTokenURL: "https://oauth2.googleapis.com/token",
	}
}

// Run primes the cache and then re-probes on the cron schedule until
// the context ends.
func (s *Service) Run(ctx context.Context) {
	if _, err := s.RefreshAll(ctx); err != nil {
		s.logger.Warn("initial usage refresh failed", "error", err)
	}

	gron := gronx.New()
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			due, err := gron.IsDue(refreshSchedule, time.Now())
			if err != nil || !due {
				continue
			}
			if _, err := s.RefreshAll(ctx); err != nil {
				s.logger.Warn("scheduled usage refresh failed", "error", err)
			}
		}
	}
}

// Cached returns the latest stored snapshot per provider without
// touching any upstream API.
func (s *Service) Cached(ctx context.Context) (map[string]CachedSnapshot, error) {
	rows, err := s.store.ListCliUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("usage: list cache: %w", err)
	}
	out := make(map[string]CachedSnapshot, len(rows))
	for _, row := range rows {
		var snap Snapshot
		if err := json.Unmarshal([]byte(row.Payload), &snap); err != nil {
			s.logger.Warn("corrupt usage cache row", "provider", row.Provider, "error", err)
			continue
		}
		out[row.Provider] = CachedSnapshot{Snapshot: snap, RefreshedAt: row.RefreshedAt}
	}
	return out, nil
}

// RefreshAll probes every provider, persists the snapshots and
// broadcasts the new map. Concurrent callers share one probe round,
// and a round within the rate limit is served from cache.
func (s *Service) RefreshAll(ctx context.Context) (map[string]CachedSnapshot, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		if !s.limiter.Allow() {
			s.logger.Debug("usage refresh rate limited, serving cache")
			return s.Cached(ctx)
		}
		return s.refreshAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]CachedSnapshot), nil
}

func (s *Service) refreshAll(ctx context.Context) (map[string]CachedSnapshot, error) {
	now := time.Now().UTC()
	out := make(map[string]CachedSnapshot, len(Providers))
	for _, provider := range Providers {
		snap := s.probe(ctx, provider)
		payload, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("usage: marshal %s snapshot: %w", provider, err)
		}
		if err := s.store.UpsertCliUsage(ctx, provider, string(payload)); err != nil {
			return nil, fmt.Errorf("usage: cache %s snapshot: %w", provider, err)
		}
		out[provider] = CachedSnapshot{Snapshot: snap, RefreshedAt: now}
	}
	if s.bus != nil {
		s.bus.Broadcast(bus.Event{Type: protocol.EventCliUsageUpdate, Payload: out})
	}
	return out, nil
}

func (s *Service) probe(ctx context.Context, provider string) Snapshot {
	var (
		windows []Window
		err     error
	)
	switch provider {
	case store.ProviderClaude:
		windows, err = s.probeClaude(ctx)
	case store.ProviderCodex:
		windows, err = s.probeCodex(ctx)
	case store.ProviderGemini:
		windows, err = s.probeGemini(ctx)
	default:
		err = fmt.Errorf("usage: no probe for %q", provider)
	}
	if err != nil {
		s.logger.Debug("usage probe failed", "provider", provider, "error", err)
		return Snapshot{Windows: []Window{}, Error: classify(err)}
	}
	if windows == nil {
		windows = []Window{}
	}
	return Snapshot{Windows: windows}
}

// classify maps probe failures onto the cache error vocabulary.
func classify(err error) string {
	var hs *httpStatusError
	switch {
	case errors.Is(err, errUnauthenticated):
		return "unauthenticated"
	case errors.As(err, &hs):
		return fmt.Sprintf("http_%d", hs.code)
	default:
		return "unavailable"
	}
}

// doJSON performs one upstream call. Non-2xx responses surface as
// httpStatusError so classify can preserve the code.
func (s *Service) doJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("usage: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("usage: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("usage: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("usage: decode %s response: %w", url, err)
	}
	return nil
}

// round2 keeps two decimals of a 0..1 utilization fraction.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stale reports whether a token deadline falls inside the freshness
// margin. A zero deadline means the token does not expire.
func stale(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && time.Until(expiresAt) < tokenFreshnessMargin
}
