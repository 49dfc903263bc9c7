// Package contextassembler is the Context Assembler (§2.4, §4.3, §6.1,
// §6.2): given a task and a phase, materializes the active/<taskId>/
// workspace directory an agent process reads config and prompt from.
// Grounded on the teacher's internal/agent/prompts package: same
// embed.FS-plus-override-directory template lookup, same {var}
// substitution, generalized from one prompt-per-agent-role to one
// prompt-per-phase with a structured dependency-context section.
package contextassembler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"opensprint/internal/config"
	"opensprint/internal/gitworkspace"
	"opensprint/internal/taskstore"
)

// Phase is the agent role the assembled workspace is prepared for.
type Phase string

const (
	PhaseCoding Phase = "coding"
	PhaseReview Phase = "review"
)

const maxPreviousTestOutput = 5000

// RuntimeConfig is config.json (§6.2): the enumerated keys the spawned
// agent process reads.
type RuntimeConfig struct {
	TaskID             string                        `json:"taskId"`
	Phase              Phase                         `json:"phase"`
	Branch             string                        `json:"branch"`
	TestCommand        string                        `json:"testCommand"`
	UseExistingBranch  bool                          `json:"useExistingBranch"`
	HILConfig          map[string]config.HILDecision `json:"hilConfig"`
	Attempt            int                           `json:"attempt"`
	PreviousFailure    string                        `json:"previousFailure,omitempty"`
	PreviousTestOutput string                        `json:"previousTestOutput,omitempty"`
	ReviewFeedback     string                        `json:"reviewFeedback,omitempty"`
	HILReply           string                        `json:"hilReply,omitempty"`
	RepoPath           string                        `json:"repoPath"`
}

// DependencyRef names a dependency task whose context should be included.
type DependencyRef struct {
	TaskID string
	Branch string
}

// Input is everything the Assembler needs to build one active/<taskId>/
// workspace for one phase.
type Input struct {
	TaskID              string
	Phase               Phase
	Branch              string
	RepoPath            string
	TestCommand         string
	UseExistingBranch   bool
	HILConfig           map[string]config.HILDecision
	Attempt             int
	PreviousFailure     string
	PreviousTestOutput  string
	ReviewFeedback      string
	HILReply            string
	Title               string
	Description         string
	AcceptanceCriteria  []string
	PlanMarkdown        string
	PRDExcerpt          string
	Dependencies        []DependencyRef
	ImplementationDiff  string // review phase only
}

// Assembler materializes task workspaces under <repoPath>/.opensprint.
type Assembler struct {
	Git   *gitworkspace.Manager
	Store taskstore.Store
}

func New(git *gitworkspace.Manager, store taskstore.Store) *Assembler {
	return &Assembler{Git: git, Store: store}
}

func (a *Assembler) activeDir(repoPath, taskID string) string {
	return filepath.Join(repoPath, ".opensprint", "active", taskID)
}

// Assemble writes config.json, context/*, and prompt.md and returns the
// directory path.
func (a *Assembler) Assemble(ctx context.Context, in Input) (string, error) {
	dir := a.activeDir(in.RepoPath, in.TaskID)
	if err := os.MkdirAll(filepath.Join(dir, "context", "deps"), 0755); err != nil {
		return "", fmt.Errorf("contextassembler: mkdir %s: %w", dir, err)
	}

	truncated := in.PreviousTestOutput
	if len(truncated) > maxPreviousTestOutput {
		truncated = truncated[:maxPreviousTestOutput]
	}

	rc := RuntimeConfig{
		TaskID:             in.TaskID,
		Phase:              in.Phase,
		Branch:             in.Branch,
		TestCommand:        in.TestCommand,
		UseExistingBranch:  in.UseExistingBranch,
		HILConfig:          in.HILConfig,
		Attempt:            in.Attempt,
		PreviousFailure:    in.PreviousFailure,
		PreviousTestOutput: truncated,
		ReviewFeedback:     in.ReviewFeedback,
		HILReply:           in.HILReply,
		RepoPath:           in.RepoPath,
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), rc); err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(dir, "context", "plan.md"), []byte(in.PlanMarkdown), 0644); err != nil {
		return "", fmt.Errorf("contextassembler: write plan.md: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "context", "prd_excerpt.md"), []byte(in.PRDExcerpt), 0644); err != nil {
		return "", fmt.Errorf("contextassembler: write prd_excerpt.md: %w", err)
	}

	depSection, err := a.assembleDependencies(ctx, dir, in.Dependencies)
	if err != nil {
		return "", err
	}

	if in.Phase == PhaseReview {
		path := filepath.Join(dir, "context", "implementation.diff")
		if err := os.WriteFile(path, []byte(in.ImplementationDiff), 0644); err != nil {
			return "", fmt.Errorf("contextassembler: write implementation.diff: %w", err)
		}
	}

	prompt, err := a.renderPrompt(in, truncated, depSection)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte(prompt), 0644); err != nil {
		return "", fmt.Errorf("contextassembler: write prompt.md: %w", err)
	}

	return dir, nil
}

// assembleDependencies resolves each dependency's diff in order: (a) live
// getDiff of the dependency branch, (b) most-recent approved session
// artifact. If neither is available, only a summary is recorded (§4.3).
func (a *Assembler) assembleDependencies(ctx context.Context, dir string, deps []DependencyRef) (string, error) {
	var section strings.Builder
	for _, dep := range deps {
		diff, summary, err := a.resolveDependency(ctx, dep)
		if err != nil {
			return "", err
		}

		if diff != "" {
			path := filepath.Join(dir, "context", "deps", dep.TaskID+".diff")
			if err := os.WriteFile(path, []byte(diff), 0644); err != nil {
				return "", fmt.Errorf("contextassembler: write dep diff %s: %w", dep.TaskID, err)
			}
		}
		summaryPath := filepath.Join(dir, "context", "deps", dep.TaskID+".summary.md")
		if err := os.WriteFile(summaryPath, []byte(summary), 0644); err != nil {
			return "", fmt.Errorf("contextassembler: write dep summary %s: %w", dep.TaskID, err)
		}

		fmt.Fprintf(&section, "- `%s`: %s\n", dep.TaskID, firstLine(summary))
	}
	if section.Len() == 0 {
		return "(none)", nil
	}
	return section.String(), nil
}

func (a *Assembler) resolveDependency(ctx context.Context, dep DependencyRef) (diff, summary string, err error) {
	if a.Git != nil && dep.Branch != "" {
		diff, err = a.Git.GetDiff(ctx, dep.Branch)
		if err != nil {
			return "", "", fmt.Errorf("contextassembler: getDiff %s: %w", dep.TaskID, err)
		}
		if diff != "" {
			return diff, "", nil
		}
	}

	if a.Store == nil {
		return "", "", nil
	}
	sessions, err := a.Store.LoadSessions(ctx, dep.TaskID)
	if err != nil {
		return "", "", fmt.Errorf("contextassembler: loadSessions %s: %w", dep.TaskID, err)
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].Status == taskstore.SessionApproved {
			return sessions[i].GitDiff, sessions[i].Summary, nil
		}
	}
	return "", "", nil
}

func (a *Assembler) renderPrompt(in Input, truncatedTestOutput, depSection string) (string, error) {
	var template string
	switch in.Phase {
	case PhaseReview:
		template = templateReview
	default:
		template = templateCoding
	}

	vars := map[string]string{
		"taskId":             in.TaskID,
		"title":              in.Title,
		"description":        in.Description,
		"acceptanceCriteria": formatAcceptanceCriteria(in.AcceptanceCriteria),
		"attempt":            fmt.Sprintf("%d", in.Attempt),
		"branch":             in.Branch,
		"repoPath":           in.RepoPath,
		"testCommand":        in.TestCommand,
		"dependencyContext":  depSection,
		"useExistingBranchNote": func() string {
			if in.UseExistingBranch {
				return "Build on the prior work already committed to this branch."
			}
			return ""
		}(),
		"previousFailureSection": formatPreviousFailureSection(in.PreviousFailure, truncatedTestOutput),
		"reviewFeedbackSection":  formatReviewFeedbackSection(in.ReviewFeedback),
		"hilReplySection":        formatHILReplySection(in.HILReply),
	}
	return renderTemplate(template, vars)
}

// GenerateMergeConflictPrompt stages the merger agent's prompt (§4.6 step
// 3): conflict file list, a truncated conflict diff, and recent merge
// history.
func GenerateMergeConflictPrompt(taskID, branch, repoPath string, conflictFiles []string, conflictDiff string, recentMerges []string) (string, error) {
	const maxConflictDiff = 20000
	if len(conflictDiff) > maxConflictDiff {
		conflictDiff = conflictDiff[:maxConflictDiff]
	}
	vars := map[string]string{
		"taskId":        taskID,
		"branch":        branch,
		"repoPath":      repoPath,
		"conflictFiles": formatList(conflictFiles),
		"conflictDiff":  conflictDiff,
		"recentMerges":  formatList(recentMerges),
	}
	return renderTemplate(templateMergeConflict, vars)
}

func formatAcceptanceCriteria(criteria []string) string {
	if len(criteria) == 0 {
		return "(none specified)"
	}
	return formatList(criteria)
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	return b.String()
}

func formatPreviousFailureSection(failure, testOutput string) string {
	if failure == "" && testOutput == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Previous attempt failed\n")
	if failure != "" {
		fmt.Fprintf(&b, "%s\n\n", failure)
	}
	if testOutput != "" {
		fmt.Fprintf(&b, "```\n%s\n```\n\n", testOutput)
	}
	return b.String()
}

func formatReviewFeedbackSection(feedback string) string {
	if feedback == "" {
		return ""
	}
	return fmt.Sprintf("## Reviewer feedback from the previous attempt\n%s\n\n", feedback)
}

func formatHILReplySection(reply string) string {
	if reply == "" {
		return ""
	}
	return fmt.Sprintf("## Human reply to your open question\n%s\n\n", reply)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("contextassembler: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("contextassembler: write %s: %w", path, err)
	}
	return nil
}
