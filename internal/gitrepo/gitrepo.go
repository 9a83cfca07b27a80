// Package gitrepo drives the git CLI for the checkout steps of a build.
package gitrepo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"libdiff/internal/shell"
)

// CLI implements the source-control operations on top of a shell.Runner.
type CLI struct {
	run shell.Runner
}

func New(run shell.Runner) *CLI {
	return &CLI{run: run}
}

func (g *CLI) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.run.Run(ctx, dir, "git", args...)
	if err != nil {
		return string(out), err
	}
	return string(out), nil
}

// Clone clones url into dest. dest must not exist yet.
func (g *CLI) Clone(ctx context.Context, url, dest string) error {
	if _, err := g.git(ctx, filepath.Dir(dest), "clone", "--quiet", url, dest); err != nil {
		return fmt.Errorf("git clone %s: %w", url, err)
	}
	return nil
}

// FetchAndCheckout fetches ref from origin and checks out FETCH_HEAD.
func (g *CLI) FetchAndCheckout(ctx context.Context, dir, ref string) error {
	if _, err := g.git(ctx, dir, "fetch", "--quiet", "origin", ref); err != nil {
		return fmt.Errorf("git fetch %s: %w", ref, err)
	}
	return g.Checkout(ctx, dir, "FETCH_HEAD")
}

func (g *CLI) Checkout(ctx context.Context, dir, rev string) error {
	if _, err := g.git(ctx, dir, "checkout", "--quiet", "--detach", rev); err != nil {
		return fmt.Errorf("git checkout %s: %w", rev, err)
	}
	return nil
}

// ChangedPaths lists the paths touched by commit rev, relative to the
// repository root.
func (g *CLI) ChangedPaths(ctx context.Context, dir, rev string) ([]string, error) {
	out, err := g.git(ctx, dir, "log", "-n1", "--no-renames", "--name-only", "--format=", rev)
	if err != nil {
		return nil, fmt.Errorf("git log %s: %w", rev, err)
	}
	return parseNameOnly(out), nil
}

// Clean removes untracked and ignored files, then hard-resets tracked ones.
func (g *CLI) Clean(ctx context.Context, dir string) error {
	if _, err := g.git(ctx, dir, "clean", "-fdx", "--quiet"); err != nil {
		return fmt.Errorf("git clean: %w", err)
	}
	if _, err := g.git(ctx, dir, "reset", "--hard", "--quiet"); err != nil {
		return fmt.Errorf("git reset: %w", err)
	}
	return nil
}

func parseNameOnly(out string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		paths = append(paths, line)
	}
	sort.Strings(paths)
	return paths
}
