package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/climpire/internal/cliauth"
	"github.com/nextlevelbuilder/climpire/internal/config"
	"github.com/nextlevelbuilder/climpire/internal/store"
	"github.com/nextlevelbuilder/climpire/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("climpire doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())

	cfg := config.Load()

	// Database — open raw so a dirty schema still shows up here instead
	// of failing the whole check.
	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Path:", cfg.DBPath)
	var st *sqlite.Store
	if _, err := os.Stat(cfg.DBPath); err != nil {
		dir := filepath.Dir(cfg.DBPath)
		if _, derr := os.Stat(dir); derr != nil {
			fmt.Printf("    %-12s not created yet (directory made on first serve)\n", "Status:")
		} else if probeDir(dir) {
			fmt.Printf("    %-12s not created yet (directory writable)\n", "Status:")
		} else {
			fmt.Printf("    %-12s not created yet (DIRECTORY NOT WRITABLE)\n", "Status:")
		}
	} else if s, err := sqlite.OpenRaw(cfg.DBPath, quietLogger()); err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
	} else {
		st = s
		defer st.Close()
		v, dirty, verr := st.MigrateVersion()
		switch {
		case verr != nil:
			fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", verr)
		case dirty:
			fmt.Printf("    %-12s v%d (DIRTY — run: climpire migrate force %d)\n", "Schema:", v, int(v)-1)
		case v == 0:
			fmt.Printf("    %-12s (no migrations applied)\n", "Schema:")
		default:
			fmt.Printf("    %-12s v%d\n", "Schema:", v)
		}
		var integrity string
		if err := st.DB().QueryRow("PRAGMA quick_check").Scan(&integrity); err != nil {
			fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Integrity:", err)
		} else {
			fmt.Printf("    %-12s %s\n", "Integrity:", integrity)
		}
	}

	fmt.Println()
	if cfg.EncryptionSecret != "" {
		fmt.Printf("  Vault:    configured (%d chars)\n", len(cfg.EncryptionSecret))
	} else {
		fmt.Println("  Vault:    (not set — run: climpire onboard)")
	}
	fmt.Printf("  Logs:     %s", cfg.LogsDir)
	if _, err := os.Stat(cfg.LogsDir); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	// Agent CLIs — same probes the /api/cli-status endpoint runs.
	fmt.Println()
	fmt.Println("  Agent CLIs:")
	statuses := cliauth.New(quietLogger()).Statuses(true)
	for _, provider := range cliauth.CLIProviders {
		s := statuses[provider]
		path, err := exec.LookPath(provider)
		switch {
		case err != nil && s.Authenticated:
			fmt.Printf("    %-12s NOT FOUND (credentials present)\n", provider+":")
		case err != nil:
			fmt.Printf("    %-12s NOT FOUND\n", provider+":")
		case s.Authenticated:
			fmt.Printf("    %-12s %s (authenticated via %s)\n", provider+":", path, s.Method)
		default:
			fmt.Printf("    %-12s %s (not authenticated)\n", provider+":", path)
		}
	}

	fmt.Println()
	fmt.Println("  HTTP Agents:")
	if st != nil {
		checkOAuthProviders(st)
	} else {
		fmt.Println("    (database unavailable)")
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkGit()

	// Project roots the delegation resolver searches.
	home, _ := os.UserHomeDir()
	roots := append([]string{filepath.Join(home, "Projects")}, cfg.Workspace.ProjectRoots...)
	fmt.Println()
	fmt.Println("  Project Roots:")
	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			fmt.Printf("    %s (NOT FOUND)\n", root)
		} else {
			fmt.Printf("    %s (OK)\n", root)
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkOAuthProviders(st *sqlite.Store) {
	creds, err := st.ListOAuthCredentials(context.Background())
	if err != nil {
		fmt.Printf("    (could not query credentials: %s)\n", err)
		return
	}
	connected := make(map[string]store.OAuthCredential, len(creds))
	for _, c := range creds {
		connected[c.Provider] = c
	}
	for _, provider := range []string{store.ProviderCopilot, store.ProviderAntigravity} {
		c, ok := connected[provider]
		switch {
		case ok && c.Email != "":
			fmt.Printf("    %-12s connected (%s)\n", provider+":", c.Email)
		case ok:
			fmt.Printf("    %-12s connected\n", provider+":")
		default:
			fmt.Printf("    %-12s (not connected)\n", provider+":")
		}
	}
}

func checkGit() {
	path, err := exec.LookPath("git")
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", "git:")
		return
	}
	if out, verr := exec.Command(path, "--version").Output(); verr == nil {
		fmt.Printf("    %-12s %s (%s)\n", "git:", path, strings.TrimSpace(string(out)))
		return
	}
	fmt.Printf("    %-12s %s\n", "git:", path)
}

// probeDir reports whether new files can be created in dir.
func probeDir(dir string) bool {
	f, err := os.CreateTemp(dir, ".climpire-doctor-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
