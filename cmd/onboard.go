package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/climpire/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	fmt.Println("climpire onboard")
	fmt.Println()

	home, _ := os.UserHomeDir()
	generate := true
	secret := ""
	port := strconv.Itoa(config.DefaultPort)
	projectDir := filepath.Join(home, "Projects")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Generate a new encryption secret?").
				Description("Secures OAuth tokens at rest with AES-256-GCM.").
				Value(&generate),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Encryption secret").
				Description("At least 16 characters. Saved to .env as OAUTH_ENCRYPTION_SECRET.").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if len(s) < 16 {
						return errors.New("secret must be at least 16 characters")
					}
					return nil
				}).
				Value(&secret),
		).WithHideFunc(func() bool { return generate }),
		huh.NewGroup(
			huh.NewInput().
				Title("Server port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return errors.New("port must be between 1 and 65535")
					}
					return nil
				}).
				Value(&port),
			huh.NewInput().
				Title("Default project directory").
				Description("Where delegated tasks look for repositories.").
				Value(&projectDir),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Aborted.")
			return nil
		}
		return err
	}

	if generate {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}

	envPath := ".env"
	keys := []string{"OAUTH_ENCRYPTION_SECRET", "PORT", "PROJECT_ROOTS"}
	written, skipped, err := writeDotenv(envPath, keys, map[string]string{
		"OAUTH_ENCRYPTION_SECRET": secret,
		"PORT":                    port,
		"PROJECT_ROOTS":           projectDir,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}

	created := false
	if _, err := os.Stat(projectDir); err != nil {
		if err := os.MkdirAll(projectDir, 0755); err != nil {
			return fmt.Errorf("create project directory: %w", err)
		}
		created = true
	}

	absPath, _ := filepath.Abs(envPath)
	if len(written) > 0 {
		fmt.Printf("  Saved %s to %s\n", strings.Join(written, ", "), absPath)
	}
	if len(skipped) > 0 {
		fmt.Printf("  Kept existing %s (already in %s)\n", strings.Join(skipped, ", "), absPath)
	}
	if generate && slices.Contains(written, "OAUTH_ENCRYPTION_SECRET") {
		fmt.Println("  Generated a new encryption secret")
	} else if generate && slices.Contains(skipped, "OAUTH_ENCRYPTION_SECRET") {
		fmt.Println("  OAUTH_ENCRYPTION_SECRET already set; the generated secret was discarded")
	}
	if created {
		fmt.Printf("  Created %s\n", projectDir)
	} else {
		fmt.Printf("  Project directory: %s\n", projectDir)
	}

	fmt.Println()
	fmt.Println("Onboarding complete. Start the server with:")
	fmt.Println()
	fmt.Println("  climpire serve")
	return nil
}

// writeDotenv appends the given keys to the .env file at path, leaving
// lines that already define a key untouched. Returns the keys written
// and the keys skipped because the file already sets them.
func writeDotenv(path string, keys []string, values map[string]string) (written, skipped []string, err error) {
	existing := map[string]bool{}
	var lines []string
	data, rerr := os.ReadFile(path)
	if rerr != nil && !os.IsNotExist(rerr) {
		return nil, nil, rerr
	}
	if len(data) > 0 {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		for _, line := range lines {
			trimmed := strings.TrimPrefix(strings.TrimSpace(line), "export ")
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if k, _, ok := strings.Cut(trimmed, "="); ok {
				existing[strings.TrimSpace(k)] = true
			}
		}
	}

	for _, k := range keys {
		if existing[k] {
			skipped = append(skipped, k)
			continue
		}
		lines = append(lines, k+"="+values[k])
		written = append(written, k)
	}
	if len(written) == 0 {
		return written, skipped, nil
	}
	return written, skipped, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600)
}
