package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libdiff/internal/differ"
	"libdiff/internal/entity"
	"libdiff/internal/gitrepo"
	"libdiff/internal/installer"
	"libdiff/internal/shell"
)

type fakeGit struct {
	changed  []string
	cloneErr error
	calls    []string
}

func (g *fakeGit) Clone(ctx context.Context, url, dest string) error {
	g.calls = append(g.calls, "clone")
	if g.cloneErr != nil {
		return g.cloneErr
	}
	if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "composer.json"), []byte("{}\n"), 0o644)
}

func (g *fakeGit) FetchAndCheckout(ctx context.Context, dir, ref string) error {
	g.calls = append(g.calls, "fetch "+ref)
	return nil
}

func (g *fakeGit) ChangedPaths(ctx context.Context, dir, rev string) ([]string, error) {
	g.calls = append(g.calls, "changed "+rev)
	return g.changed, nil
}

func (g *fakeGit) Clean(ctx context.Context, dir string) error {
	g.calls = append(g.calls, "clean")
	return os.RemoveAll(filepath.Join(dir, "vendor"))
}

func (g *fakeGit) Checkout(ctx context.Context, dir, rev string) error {
	g.calls = append(g.calls, "checkout "+rev)
	return nil
}

// fakeInstaller writes vendor/installed.txt; contents[i] is used on call i.
type fakeInstaller struct {
	mu       sync.Mutex
	calls    int
	contents []string
	failOn   int // 1-based, 0 = never
	dirs     []string
}

func (f *fakeInstaller) Applies(changed []string) bool {
	return installer.New(nil, nil).Applies(changed)
}

func (f *fakeInstaller) Install(ctx context.Context, dir string, changed []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.dirs = append(f.dirs, dir)
	if f.calls == f.failOn {
		return &installer.Error{Ecosystem: "composer", Err: &shell.ExitError{Cmd: "composer install", Code: 2}}
	}
	content := "installed\n"
	if i := f.calls - 1; i < len(f.contents) {
		content = f.contents[i]
	}
	if err := os.MkdirAll(filepath.Join(dir, "vendor"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "vendor", "installed.txt"), []byte(content), 0o644)
}

func testJob(change string) *entity.Job {
	return &entity.Job{
		ID:        7,
		Change:    change,
		SourceURL: "https://gerrit.example.org/r/mediawiki/core",
		FetchRef:  "refs/changes/" + change + "/1",
		Status:    entity.StatusPending,
	}
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, d := range des {
		names = append(names, d.Name())
	}
	return names
}

func TestRun_InstallerFailureAfterBuild(t *testing.T) {
	root := t.TempDir()
	git := &fakeGit{changed: []string{"composer.json"}}
	inst := &fakeInstaller{failOn: 1}
	p := New(root, git, inst, differ.New(differ.DefaultOptions()), nil)

	_, err := p.Run(context.Background(), testJob("5"))
	require.Error(t, err)

	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindInstaller, se.Kind)
	var ie *installer.Error
	assert.True(t, errors.As(err, &ie))
	assert.True(t, strings.HasPrefix(Reason(err), "installer: install after: composer:"), Reason(err))

	assert.Equal(t, 1, inst.calls)
	assert.Empty(t, entries(t, root), "workspace must be released")
}

func TestRun_NoRelevantChanges(t *testing.T) {
	root := t.TempDir()
	git := &fakeGit{changed: []string{"README", "src/index.js"}}
	inst := &fakeInstaller{}
	p := New(root, git, inst, differ.New(differ.DefaultOptions()), nil)

	res, err := p.Run(context.Background(), testJob("6"))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusNoRelevantChanges, res.Status)
	assert.Empty(t, res.Diff)
	assert.Zero(t, inst.calls)
	assert.Empty(t, entries(t, root))
}

func TestRun_IdenticalTreesGiveEmptyDiff(t *testing.T) {
	root := t.TempDir()
	git := &fakeGit{changed: []string{"package-lock.json"}}
	inst := &fakeInstaller{}
	p := New(root, git, inst, differ.New(differ.DefaultOptions()), nil)

	res, err := p.Run(context.Background(), testJob("8"))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDone, res.Status)
	assert.Equal(t, "", res.Diff)
	assert.Equal(t, 2, inst.calls)
	assert.Equal(t, []string{
		"clone", "fetch refs/changes/8/1", "changed HEAD", "clean", "checkout HEAD~1",
	}, git.calls)
	assert.Empty(t, entries(t, root))
}

func TestRun_CloneFailureIsRepoError(t *testing.T) {
	root := t.TempDir()
	git := &fakeGit{cloneErr: &shell.ExitError{Cmd: "git clone", Code: 128}}
	p := New(root, git, &fakeInstaller{}, differ.New(differ.DefaultOptions()), nil)

	_, err := p.Run(context.Background(), testJob("9"))
	assert.Equal(t, KindRepo, KindOf(err))
	assert.Empty(t, entries(t, root))
}

func TestRun_DeadlineIsTimeout(t *testing.T) {
	root := t.TempDir()
	git := &fakeGit{cloneErr: context.DeadlineExceeded}
	p := New(root, git, &fakeInstaller{}, differ.New(differ.DefaultOptions()), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := p.Run(ctx, testJob("10"))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, strings.HasPrefix(Reason(err), "timeout: clone:"))
}

func TestRun_EndToEnd(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	run := &shell.Exec{Env: []string{
		"GIT_AUTHOR_NAME=libdiff", "GIT_AUTHOR_EMAIL=libdiff@example.org",
		"GIT_COMMITTER_NAME=libdiff", "GIT_COMMITTER_EMAIL=libdiff@example.org",
		"GIT_CONFIG_NOSYSTEM=1", "HOME=" + t.TempDir(),
	}}
	mustRun := func(dir string, args ...string) {
		t.Helper()
		_, err := run.Run(ctx, dir, "git", args...)
		require.NoError(t, err)
	}
	writeManifest := func(dir, version string) {
		t.Helper()
		body := "{\n  \"require\": {\n    \"wikimedia/lib\": \"" + version + "\"\n  }\n}\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "composer.json"), []byte(body), 0o644))
	}

	origin := filepath.Join(t.TempDir(), "origin")
	require.NoError(t, os.MkdirAll(origin, 0o755))
	mustRun(origin, "init", "--quiet")
	require.NoError(t, os.WriteFile(filepath.Join(origin, ".gitignore"), []byte("/vendor/\n"), 0o644))
	writeManifest(origin, "1.0")
	mustRun(origin, "add", ".")
	mustRun(origin, "commit", "--quiet", "-m", "init")
	writeManifest(origin, "2.0")
	mustRun(origin, "commit", "--quiet", "-am", "bump wikimedia/lib")
	mustRun(origin, "update-ref", "refs/changes/42/42/1", "HEAD")
	mustRun(origin, "reset", "--quiet", "--hard", "HEAD~1")

	// "installs" by locking whatever composer.json asks for
	inst := installerFunc(func(dir string) error {
		manifest, err := os.ReadFile(filepath.Join(dir, "composer.json"))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(dir, "vendor", "composer"), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "vendor", "composer", "installed.json"), manifest, 0o644)
	})

	root := t.TempDir()
	p := New(root, gitrepo.New(run), inst, differ.New(differ.DefaultOptions()), nil)
	job := &entity.Job{ID: 42, Change: "42", SourceURL: origin, FetchRef: "refs/changes/42/42/1"}

	res, err := p.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDone, res.Status)

	var minus, plus bool
	for _, line := range strings.Split(res.Diff, "\n") {
		if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") && strings.Contains(line, "1.0") {
			minus = true
		}
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") && strings.Contains(line, "2.0") {
			plus = true
		}
	}
	assert.True(t, minus, res.Diff)
	assert.True(t, plus, res.Diff)
	assert.Contains(t, res.Diff, "diff -ru a/vendor/composer/installed.json b/vendor/composer/installed.json")
	assert.NotContains(t, res.Diff, ".git/")
	assert.Empty(t, entries(t, root))
}

type installerFunc func(dir string) error

func (f installerFunc) Applies(changed []string) bool {
	return installer.New(nil, nil).Applies(changed)
}

func (f installerFunc) Install(ctx context.Context, dir string, changed []string) error {
	return f(dir)
}
