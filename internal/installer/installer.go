package installer

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"libdiff/internal/shell"
)

// Ecosystem is one dependency manager: the root-level files whose change
// triggers it, and the commands that install into a checkout.
type Ecosystem struct {
	Name    string
	Markers []string
	Steps   [][]string
}

// Composer pins the autoloader suffix so the generated autoloader does not
// differ between the two builds on a random hash.
var Composer = Ecosystem{
	Name:    "composer",
	Markers: []string{"composer.json"},
	Steps: [][]string{
		{"composer", "config", "autoloader-suffix", "static"},
		{"composer", "install", "--no-interaction", "--no-progress"},
	},
}

// Npm uses `npm ci`, which installs exactly what the lockfile says and never
// rewrites it.
var Npm = Ecosystem{
	Name:    "npm",
	Markers: []string{"package.json", "package-lock.json"},
	Steps: [][]string{
		{"npm", "ci", "--no-audit", "--no-fund"},
	},
}

// Error reports which ecosystem failed.
type Error struct {
	Ecosystem string
	Err       error
}

func (e *Error) Error() string { return e.Ecosystem + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

type Installer struct {
	run        shell.Runner
	ecosystems []Ecosystem
	log        *zap.Logger
}

// New returns an installer for the given ecosystems, Composer and Npm when
// none are passed.
func New(run shell.Runner, log *zap.Logger, ecosystems ...Ecosystem) *Installer {
	if len(ecosystems) == 0 {
		ecosystems = []Ecosystem{Composer, Npm}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Installer{run: run, ecosystems: ecosystems, log: log}
}

// Detect returns the ecosystems whose markers appear in changed.
func (i *Installer) Detect(changed []string) []Ecosystem {
	set := make(map[string]bool, len(changed))
	for _, p := range changed {
		set[p] = true
	}
	var hit []Ecosystem
	for _, eco := range i.ecosystems {
		for _, m := range eco.Markers {
			if set[m] {
				hit = append(hit, eco)
				break
			}
		}
	}
	return hit
}

func (i *Installer) Applies(changed []string) bool {
	return len(i.Detect(changed)) > 0
}

// Install runs every applicable ecosystem in dir concurrently and waits for
// all of them. The first failure cancels the others and is returned.
func (i *Installer) Install(ctx context.Context, dir string, changed []string) error {
	ecos := i.Detect(changed)
	if len(ecos) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, eco := range ecos {
		g.Go(func() error {
			return i.installOne(gctx, dir, eco)
		})
	}
	return g.Wait()
}

func (i *Installer) installOne(ctx context.Context, dir string, eco Ecosystem) error {
	for _, step := range eco.Steps {
		if _, err := i.run.Run(ctx, dir, step[0], step[1:]...); err != nil {
			i.log.Warn("install step failed",
				zap.String("ecosystem", eco.Name),
				zap.String("dir", dir),
				zap.Error(err),
			)
			return &Error{Ecosystem: eco.Name, Err: err}
		}
	}
	i.log.Debug("installed", zap.String("ecosystem", eco.Name), zap.String("dir", dir))
	return nil
}
