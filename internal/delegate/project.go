package delegate

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var pathTokenRe = regexp.MustCompile(`(?:^|\s|"|')((?:~|/)[^\s"']+)`)

// DetectProjectPath extracts a working directory from directive text.
// It recognizes absolute and ~/ paths that exist, then known project
// directory names under $HOME/Projects and any extra roots, matched
// case-insensitively. Empty when nothing matches.
func DetectProjectPath(text string, extraRoots []string) string {
	home, _ := os.UserHomeDir()

	for _, m := range pathTokenRe.FindAllStringSubmatch(text, -1) {
		p := strings.TrimRight(m[1], ".,;:)]}")
		if strings.HasPrefix(p, "~") {
			if home == "" {
				continue
			}
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			return p
		}
	}

	roots := make([]string, 0, len(extraRoots)+1)
	if home != "" {
		roots = append(roots, filepath.Join(home, "Projects"))
	}
	roots = append(roots, extraRoots...)

	lower := strings.ToLower(text)
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if strings.Contains(lower, strings.ToLower(e.Name())) {
				return filepath.Join(root, e.Name())
			}
		}
	}
	return ""
}
