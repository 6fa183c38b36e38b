package mergequeue

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/ByteMirror/lockstep/log"
)

// GitIntegrator merges integration branches into a target branch of a local
// repository. Branch resolution goes through go-git; the merge operations
// shell out to git itself, which handles conflict detection and the actual
// tree writes.
type GitIntegrator struct {
	RepoPath     string
	TargetBranch string
}

// NewGitIntegrator creates an integrator for the repository at repoPath.
func NewGitIntegrator(repoPath, targetBranch string) *GitIntegrator {
	if targetBranch == "" {
		targetBranch = "main"
	}
	return &GitIntegrator{RepoPath: repoPath, TargetBranch: targetBranch}
}

// runGitCommand executes a git command in the repository and returns its output
func (g *GitIntegrator) runGitCommand(ctx context.Context, args ...string) (string, error) {
	baseArgs := []string{"-C", g.RepoPath}
	cmd := exec.CommandContext(ctx, "git", append(baseArgs, args...)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git command failed: %s (%w)", output, err)
	}
	return string(output), nil
}

// resolveBranch checks a branch exists before any merge work starts.
func (g *GitIntegrator) resolveBranch(branch string) error {
	repo, err := git.PlainOpen(g.RepoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository at %s: %w", g.RepoPath, err)
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true); err != nil {
		return fmt.Errorf("branch %q not found: %w", branch, err)
	}
	return nil
}

// Precheck simulates merging the integration branch into the current target
// tip without touching the worktree or any ref. git merge-tree does the
// three-way merge entirely in memory.
func (g *GitIntegrator) Precheck(ctx context.Context, integrationID string) error {
	if err := g.resolveBranch(g.TargetBranch); err != nil {
		return err
	}
	if err := g.resolveBranch(integrationID); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "-C", g.RepoPath,
		"merge-tree", "--write-tree", "--name-only", g.TargetBranch, integrationID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			conflicts := conflictedFiles(string(output))
			return fmt.Errorf("merge conflict between %s and %s in: %s",
				integrationID, g.TargetBranch, strings.Join(conflicts, ", "))
		}
		return fmt.Errorf("merge precheck failed: %s (%w)", output, err)
	}

	log.DebugLog.Printf("precheck clean: %s onto %s", integrationID, g.TargetBranch)
	return nil
}

// Merge performs the actual integration: fast-forward-if-possible merge of
// the integration branch into the target branch.
func (g *GitIntegrator) Merge(ctx context.Context, integrationID string) error {
	if _, err := g.runGitCommand(ctx, "checkout", g.TargetBranch); err != nil {
		return fmt.Errorf("failed to check out %s: %w", g.TargetBranch, err)
	}

	if _, err := g.runGitCommand(ctx, "merge", "--no-edit", integrationID); err != nil {
		// Leave the tree clean for the next entry.
		if _, abortErr := g.runGitCommand(ctx, "merge", "--abort"); abortErr != nil {
			log.ErrorLog.Printf("failed to abort merge of %s: %v", integrationID, abortErr)
		}
		return fmt.Errorf("failed to merge %s into %s: %w", integrationID, g.TargetBranch, err)
	}

	log.InfoLog.Printf("merged %s into %s", integrationID, g.TargetBranch)
	return nil
}

// conflictedFiles extracts the file list from merge-tree --name-only output.
// The first line is the written tree OID, the rest are conflicted paths.
func conflictedFiles(output string) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) <= 1 {
		return []string{"(unknown)"}
	}
	var files []string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	if len(files) == 0 {
		return []string{"(unknown)"}
	}
	return files
}
