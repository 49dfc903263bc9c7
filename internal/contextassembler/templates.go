package contextassembler

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.md
var templateFS embed.FS

const (
	templateCoding        = "coding"
	templateReview        = "review"
	templateMergeConflict = "merge_conflict"
)

// renderTemplate loads a fixed, versioned prompt template and substitutes
// {var} placeholders, the same override-then-embed lookup the teacher
// uses in internal/agent/prompts.GetPrompt (RECAC_PROMPTS_DIR there,
// OPENSPRINT_PROMPTS_DIR here).
func renderTemplate(name string, vars map[string]string) (string, error) {
	var content []byte

	if overrideDir := os.Getenv("OPENSPRINT_PROMPTS_DIR"); overrideDir != "" {
		if c, err := os.ReadFile(filepath.Join(overrideDir, name+".md")); err == nil {
			content = c
		}
	}

	if len(content) == 0 {
		c, err := templateFS.ReadFile(filepath.Join("templates", name+".md"))
		if err != nil {
			return "", fmt.Errorf("contextassembler: read template %s: %w", name, err)
		}
		content = c
	}

	out := string(content)
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out, nil
}
