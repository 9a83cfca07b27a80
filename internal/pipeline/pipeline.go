// Package pipeline builds one change twice, before and after, and diffs the
// installed trees.
package pipeline

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"libdiff/internal/entity"
)

type Git interface {
	Clone(ctx context.Context, url, dest string) error
	FetchAndCheckout(ctx context.Context, dir, ref string) error
	ChangedPaths(ctx context.Context, dir, rev string) ([]string, error)
	Clean(ctx context.Context, dir string) error
	Checkout(ctx context.Context, dir, rev string) error
}

type Installer interface {
	Applies(changed []string) bool
	Install(ctx context.Context, dir string, changed []string) error
}

type Differ interface {
	Trees(ctx context.Context, before, after string) (string, error)
}

// Result is the terminal outcome of a build that did not fail.
type Result struct {
	Status entity.JobStatus
	Diff   string
}

type Pipeline struct {
	root      string
	git       Git
	installer Installer
	differ    Differ
	log       *zap.Logger
}

func New(root string, git Git, installer Installer, differ Differ, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{root: root, git: git, installer: installer, differ: differ, log: log}
}

// Run builds job and returns either a done or no_relevant_changes Result, or
// a *StepError. The workspace is gone by the time Run returns.
func (p *Pipeline) Run(ctx context.Context, job *entity.Job) (res Result, err error) {
	start := time.Now()
	log := p.log.With(zap.String("change", job.Change), zap.Int64("job_id", job.ID))

	ws, err := Allocate(p.root, job.ID)
	if err != nil {
		return Result{}, stepErr(ctx, KindInternal, "allocate workspace", err)
	}
	defer func() {
		if rerr := ws.Release(); rerr != nil {
			log.Warn("workspace release failed", zap.String("dir", ws.Root), zap.Error(rerr))
		}
	}()

	if err := p.git.Clone(ctx, job.SourceURL, ws.Work); err != nil {
		return Result{}, stepErr(ctx, KindRepo, "clone", err)
	}
	if err := p.git.FetchAndCheckout(ctx, ws.Work, job.FetchRef); err != nil {
		return Result{}, stepErr(ctx, KindRepo, "checkout change", err)
	}

	changed, err := p.git.ChangedPaths(ctx, ws.Work, "HEAD")
	if err != nil {
		return Result{}, stepErr(ctx, KindRepo, "changed paths", err)
	}
	if !p.installer.Applies(changed) {
		log.Info("no manifest touched", zap.Int("changed_files", len(changed)))
		return Result{Status: entity.StatusNoRelevantChanges}, nil
	}

	if err := p.installer.Install(ctx, ws.Work, changed); err != nil {
		return Result{}, stepErr(ctx, KindInstaller, "install after", err)
	}
	if err := copyTree(ctx, ws.Work, ws.After); err != nil {
		return Result{}, stepErr(ctx, KindInternal, "copy after tree", err)
	}

	if err := p.git.Clean(ctx, ws.Work); err != nil {
		return Result{}, stepErr(ctx, KindRepo, "clean", err)
	}
	if err := p.git.Checkout(ctx, ws.Work, "HEAD~1"); err != nil {
		return Result{}, stepErr(ctx, KindRepo, "checkout parent", err)
	}
	if err := p.installer.Install(ctx, ws.Work, changed); err != nil {
		return Result{}, stepErr(ctx, KindInstaller, "install before", err)
	}

	diff, err := p.differ.Trees(ctx, ws.Work, ws.After)
	if err != nil {
		return Result{}, stepErr(ctx, KindDiff, "diff", err)
	}

	log.Info("build finished",
		zap.String("diff_size", humanize.Bytes(uint64(len(diff)))),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return Result{Status: entity.StatusDone, Diff: diff}, nil
}
