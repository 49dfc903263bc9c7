// Package plan reads the Plan markdown documents the Context Assembler
// needs (§2, §3.2): a document owned by an epic, read-only to the core,
// with a parseable "## Acceptance Criteria" and "## Technical Approach"
// section. Plans live at <repoPath>/.opensprint/plans/<epicId>.md; the
// core only ever reads them.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Plan is the parsed view of one epic's plan document.
type Plan struct {
	EpicID             string
	Markdown           string
	AcceptanceCriteria []string
	TechnicalApproach  string
}

var headingRe = regexp.MustCompile(`(?m)^##\s+(.+?)\s*$`)

// Path returns the on-disk location of an epic's plan document.
func Path(repoPath, epicID string) string {
	return filepath.Join(repoPath, ".opensprint", "plans", epicID+".md")
}

// Load reads and parses the plan document for epicID. A missing plan is
// not an error: the core treats an epic without a plan file as having no
// acceptance criteria or technical approach, since plans are authored
// outside the core (§1, §3.2).
func Load(repoPath, epicID string) (Plan, error) {
	path := Path(repoPath, epicID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Plan{EpicID: epicID}, nil
	}
	if err != nil {
		return Plan{}, fmt.Errorf("plan: read %s: %w", path, err)
	}

	md := string(data)
	return Plan{
		EpicID:             epicID,
		Markdown:           md,
		AcceptanceCriteria: extractList(md, "Acceptance Criteria"),
		TechnicalApproach:  extractSection(md, "Technical Approach"),
	}, nil
}

// sections splits md into a map of heading name -> body text, using
// "## <Heading>" as the delimiter.
func sections(md string) map[string]string {
	locs := headingRe.FindAllStringSubmatchIndex(md, -1)
	out := make(map[string]string, len(locs))
	for i, loc := range locs {
		name := md[loc[2]:loc[3]]
		bodyStart := loc[1]
		bodyEnd := len(md)
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(md[bodyStart:bodyEnd])
	}
	return out
}

func extractSection(md, heading string) string {
	return sections(md)[heading]
}

// extractList returns every non-empty line of a named section, with a
// leading "- " or "* " bullet marker removed, matching the Acceptance
// Criteria convention. Lines without a marker are kept as they are.
func extractList(md, heading string) []string {
	body := extractSection(md, heading)
	if body == "" {
		return nil
	}
	var items []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if line == "" {
			continue
		}
		items = append(items, line)
	}
	return items
}
