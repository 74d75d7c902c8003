// Package git wraps the handful of git invocations the apply stage needs.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Repo runs git commands against one checkout.
type Repo struct {
	dir string
}

// NewRepo creates a handle for the checkout at dir.
func NewRepo(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the checkout path.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// SetUser configures the commit identity used for merge commits.
func (r *Repo) SetUser(ctx context.Context, name, email string) error {
	if _, err := r.run(ctx, "config", "user.name", name); err != nil {
		return err
	}
	_, err := r.run(ctx, "config", "user.email", email)
	return err
}

// DeleteBranch removes a local branch. Best effort: the branch usually does
// not exist on a fresh checkout.
func (r *Repo) DeleteBranch(ctx context.Context, name string) {
	_, _ = r.run(ctx, "branch", "--quiet", "-D", name)
}

// CheckoutNew creates and checks out a new branch.
func (r *Repo) CheckoutNew(ctx context.Context, name string) error {
	_, err := r.run(ctx, "checkout", "--quiet", "-b", name)
	return err
}

// RevParse resolves a ref to its SHA.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, "rev-parse", ref)
}

// ResetHard moves the checkout to ref, discarding local changes.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "reset", ref, "--hard", "--quiet")
	return err
}

// MergeNoFF merges sha with a forced merge commit, reading the message from
// msgFile.
func (r *Repo) MergeNoFF(ctx context.Context, msgFile, sha string) error {
	_, err := r.run(ctx, "merge", "--no-ff", "--quiet", "-F", msgFile, sha)
	return err
}

var (
	reAdditions = regexp.MustCompile(`(\d+) insertion`)
	reDeletions = regexp.MustCompile(`(\d+) deletion`)
)

// Shortstat diffs two commits and extracts the addition and deletion counts.
// A missing match means the diff had none of that kind and counts as 0.
func (r *Repo) Shortstat(ctx context.Context, from, to string) (additions, deletions int, err error) {
	out, err := r.run(ctx, "diff", "--shortstat", from, to)
	if err != nil {
		return 0, 0, err
	}
	return ParseShortstat(out)
}

// ParseShortstat extracts counts from git's --shortstat line.
func ParseShortstat(out string) (additions, deletions int, err error) {
	if m := reAdditions.FindStringSubmatch(out); m != nil {
		additions, err = strconv.Atoi(m[1])
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse additions: %w", err)
		}
	}
	if m := reDeletions.FindStringSubmatch(out); m != nil {
		deletions, err = strconv.Atoi(m[1])
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse deletions: %w", err)
		}
	}
	return additions, deletions, nil
}
