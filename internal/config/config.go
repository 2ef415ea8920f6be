// Package config loads server configuration from the environment, an
// optional .env file, and an optional climpire.json5 workspace file.
// Environment always wins; secrets are never read from the json5 file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultPort = 8787
	DefaultHost = "127.0.0.1"

	// Public installed-app OAuth clients shipped with the binary. These are
	// the defaults when the OAUTH_* env overrides are unset.
	builtinGitHubClientID = "Iv1.b507a08c87ecfe98"
	builtinGoogleClientID = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	builtinGoogleSecret   = "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"
)

// Config is the resolved runtime configuration for the climpire server.
type Config struct {
	Host    string
	Port    int
	DBPath  string
	LogsDir string

	// Vault key material. From OAUTH_ENCRYPTION_SECRET, falling back to
	// SESSION_SECRET. Empty is allowed at boot; the vault fails on first use.
	EncryptionSecret string

	OAuthBaseURL       string
	GitHubClientID     string
	GitHubClientSecret string
	GoogleClientID     string
	GoogleClientSecret string

	// Secondary auth signal for the codex provider.
	OpenAIAPIKey string

	// When set, static file serving is skipped even if a UI build exists.
	ViteDev bool

	Workspace WorkspaceConfig
}

// Load resolves the configuration. The .env candidates are read first so
// their values are visible through os.Getenv, with existing process env
// taking precedence.
func Load() *Config {
	LoadDotenv(dotenvCandidates()...)

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	host := envOr("HOST", DefaultHost)
	port := envInt("PORT", DefaultPort)

	cfg := &Config{
		Host:    host,
		Port:    port,
		DBPath:  envOr("DB_PATH", filepath.Join(cwd, "climpire.sqlite")),
		LogsDir: envOr("LOGS_DIR", filepath.Join(cwd, "logs")),

		EncryptionSecret: firstEnv("OAUTH_ENCRYPTION_SECRET", "SESSION_SECRET"),

		OAuthBaseURL:       envOr("OAUTH_BASE_URL", fmt.Sprintf("http://%s:%d", host, port)),
		GitHubClientID:     envOr("OAUTH_GITHUB_CLIENT_ID", builtinGitHubClientID),
		GitHubClientSecret: os.Getenv("OAUTH_GITHUB_CLIENT_SECRET"),
		GoogleClientID:     envOr("OAUTH_GOOGLE_CLIENT_ID", builtinGoogleClientID),
		GoogleClientSecret: envOr("OAUTH_GOOGLE_CLIENT_SECRET", builtinGoogleSecret),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		ViteDev:      os.Getenv("VITE_DEV") != "",
	}

	cfg.Workspace = loadWorkspace(filepath.Join(cwd, "climpire.json5"))
	for _, p := range filepath.SplitList(os.Getenv("PROJECT_ROOTS")) {
		if p != "" {
			cfg.Workspace.ProjectRoots = append(cfg.Workspace.ProjectRoots, p)
		}
	}
	return cfg
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// dotenvCandidates returns the .env paths probed at boot: one next to the
// binary's parent directory and one in the working directory.
func dotenvCandidates() []string {
	var paths []string
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "..", ".env"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	return paths
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
