package pipeline

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is the on-disk state of one build. Work is the checkout that goes
// after -> before; After is the frozen copy of the installed "after" tree.
type Workspace struct {
	Root  string
	Work  string
	After string
}

// Allocate creates a fresh workspace under root. The random suffix keeps a
// retried job clear of a previous attempt that is still being removed.
func Allocate(root string, jobID int64) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	dir := filepath.Join(root, fmt.Sprintf("job-%d-%s", jobID, uuid.NewString()[:8]))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &Workspace{
		Root:  dir,
		Work:  filepath.Join(dir, "work"),
		After: filepath.Join(dir, "after"),
	}, nil
}

// Release removes everything the workspace holds. Safe to call more than once.
func (w *Workspace) Release() error {
	if w == nil || w.Root == "" {
		return nil
	}
	// npm and composer caches can leave read-only directories behind.
	_ = filepath.WalkDir(w.Root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	return os.RemoveAll(w.Root)
}

// copyTree copies src to dst, which must not exist. Modes and symlinks are
// kept as they are; symlinks are not followed.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			// sockets, fifos and devices have no place in a build tree
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
