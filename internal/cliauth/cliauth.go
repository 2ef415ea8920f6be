// Package cliauth answers "which agent CLIs are installed and signed
// in". Every probe is best-effort file or keychain sniffing; none of
// them block a task run, they only feed the status dashboard.
package cliauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

// cacheTTL bounds how stale a served status may be. The watcher
// usually invalidates sooner.
const cacheTTL = 30 * time.Second

// CLIProviders are the agents that run as spawned CLIs and therefore
// have local login state to detect.
var CLIProviders = []string{
	store.ProviderClaude,
	store.ProviderCodex,
	store.ProviderGemini,
	store.ProviderOpencode,
}

// Status is the detection result for one provider.
type Status struct {
	Installed     bool   `json:"installed"`
	Authenticated bool   `json:"authenticated"`
	Method        string `json:"method,omitempty"`
}

// Detector caches per-provider install/auth detection.
type Detector struct {
	logger *slog.Logger

	mu       sync.Mutex
	cached   map[string]Status
	cachedAt time.Time

	// Swappable seams for tests.
	home     string
	lookPath func(file string) (string, error)
	getenv   func(key string) string
}

func New(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Detector{
		logger:   logger.With("component", "cliauth"),
		home:     home,
		lookPath: exec.LookPath,
		getenv:   os.Getenv,
	}
}

// Statuses returns the detection map, probing at most once per TTL
// unless force is set.
func (d *Detector) Statuses(force bool) map[string]Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !force && d.cached != nil && time.Since(d.cachedAt) < cacheTTL {
		return cloneStatuses(d.cached)
	}

	out := make(map[string]Status, len(CLIProviders))
	for _, p := range CLIProviders {
		out[p] = d.detect(p)
	}
	d.cached = out
	d.cachedAt = time.Now()
	return cloneStatuses(out)
}

// Invalidate drops the cache so the next Statuses call re-probes.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func cloneStatuses(in map[string]Status) map[string]Status {
	out := make(map[string]Status, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (d *Detector) detect(provider string) Status {
	st := Status{}
	if _, err := d.lookPath(provider); err == nil {
		st.Installed = true
	}
	switch provider {
	case store.ProviderClaude:
		st.Authenticated, st.Method = d.claudeAuth()
	case store.ProviderCodex:
		st.Authenticated, st.Method = d.codexAuth()
	case store.ProviderGemini:
		st.Authenticated, st.Method = d.geminiAuth()
	case store.ProviderOpencode:
		st.Authenticated, st.Method = d.opencodeAuth()
	}
	return st
}

func (d *Detector) claudeAuth() (bool, string) {
	if raw, err := os.ReadFile(filepath.Join(d.home, ".claude.json")); err == nil {
		var cfg map[string]json.RawMessage
		if json.Unmarshal(raw, &cfg) == nil {
			if _, ok := cfg["oauthAccount"]; ok {
				return true, "oauth"
			}
		}
	}
	if info, err := os.Stat(filepath.Join(d.home, ".claude", "auth.json")); err == nil && info.Size() > 0 {
		return true, "auth-file"
	}
	if d.keychainEntry("Claude Code-credentials", "") {
		return true, "keychain"
	}
	return false, ""
}

func (d *Detector) codexAuth() (bool, string) {
	if raw, err := os.ReadFile(filepath.Join(d.home, ".codex", "auth.json")); err == nil {
		var auth struct {
			OpenAIAPIKey string          `json:"OPENAI_API_KEY"`
			Tokens       json.RawMessage `json:"tokens"`
		}
		if json.Unmarshal(raw, &auth) == nil {
			if auth.OpenAIAPIKey != "" || (len(auth.Tokens) > 0 && string(auth.Tokens) != "null") {
				return true, "auth-file"
			}
		}
	}
	if d.getenv("OPENAI_API_KEY") != "" {
		return true, "env"
	}
	return false, ""
}

func (d *Detector) geminiAuth() (bool, string) {
	if d.keychainEntry("gemini-cli-oauth", "main-account") {
		return true, "keychain"
	}
	if fileExists(filepath.Join(d.home, ".gemini", "oauth_creds.json")) {
		return true, "oauth-file"
	}
	if appData := d.getenv("APPDATA"); appData != "" {
		if fileExists(filepath.Join(appData, "gcloud", "application_default_credentials.json")) {
			return true, "adc"
		}
	}
	return false, ""
}

func (d *Detector) opencodeAuth() (bool, string) {
	candidates := []string{
		filepath.Join(d.home, ".local", "share", "opencode", "auth.json"),
	}
	if xdg := d.getenv("XDG_DATA_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "opencode", "auth.json"))
	}
	if runtime.GOOS == "darwin" {
		candidates = append(candidates,
			filepath.Join(d.home, "Library", "Application Support", "opencode", "auth.json"))
	}
	for _, p := range candidates {
		if fileExists(p) {
			return true, "auth-file"
		}
	}
	return false, ""
}

// keychainEntry shells out to the macOS security tool. Everywhere else
// it reports false without running anything.
func (d *Detector) keychainEntry(service, account string) bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	args := []string{"find-generic-password", "-s", service}
	if account != "" {
		args = append(args, "-a", account)
	}
	return exec.Command("security", args...).Run() == nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Run tails the auth files with fsnotify and drops the cache whenever
// one changes, so a fresh login shows up before the TTL elapses.
// Returns when the context ends. Without a working watcher the TTL
// alone bounds staleness.
func (d *Detector) Run(ctx context.Context) {
	watcher, err := newAuthWatcher(d.logger, d.watchDirs())
	if err != nil {
		d.logger.Warn("auth watcher disabled", "error", err)
		<-ctx.Done()
		return
	}
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-watcher.Changed():
			if !ok {
				return
			}
			d.logger.Debug("auth file changed", "file", name)
			d.Invalidate()
		}
	}
}

// watchDirs lists every directory that may hold an auth file. Missing
// directories are skipped when the watch is installed.
func (d *Detector) watchDirs() []string {
	dirs := []string{
		d.home, // ~/.claude.json lives at the top level
		filepath.Join(d.home, ".claude"),
		filepath.Join(d.home, ".codex"),
		filepath.Join(d.home, ".gemini"),
		filepath.Join(d.home, ".local", "share", "opencode"),
	}
	if xdg := d.getenv("XDG_DATA_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "opencode"))
	}
	if runtime.GOOS == "darwin" {
		dirs = append(dirs, filepath.Join(d.home, "Library", "Application Support", "opencode"))
	}
	return dirs
}
