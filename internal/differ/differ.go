// Package differ produces a recursive unified diff between two directory
// trees, in the shape of `diff -ru`. Paths in the output are relative to the
// tree roots and prefixed with a/ (before) and b/ (after).
package differ

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

type Options struct {
	// Context is the number of unchanged lines around each hunk.
	Context int
	// Exclude lists base names skipped at any depth.
	Exclude []string
}

func DefaultOptions() Options {
	return Options{Context: 3, Exclude: []string{".git"}}
}

type Differ struct {
	opts    Options
	exclude map[string]bool
}

func New(opts Options) *Differ {
	if opts.Context <= 0 {
		opts.Context = 3
	}
	ex := make(map[string]bool, len(opts.Exclude))
	for _, e := range opts.Exclude {
		ex[e] = true
	}
	return &Differ{opts: opts, exclude: ex}
}

// Trees diffs before against after. Identical trees yield "".
func (d *Differ) Trees(ctx context.Context, before, after string) (string, error) {
	for _, root := range []string{before, after} {
		fi, err := os.Stat(root)
		if err != nil {
			return "", fmt.Errorf("diff root: %w", err)
		}
		if !fi.IsDir() {
			return "", fmt.Errorf("diff root %s is not a directory", root)
		}
	}
	var b strings.Builder
	if err := d.walk(ctx, &b, before, after, ""); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (d *Differ) walk(ctx context.Context, b *strings.Builder, before, after, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	left, err := d.readDir(filepath.Join(before, rel))
	if err != nil {
		return err
	}
	right, err := d.readDir(filepath.Join(after, rel))
	if err != nil {
		return err
	}

	for _, name := range union(left, right) {
		l, inLeft := left[name]
		r, inRight := right[name]
		p := path.Join(filepath.ToSlash(rel), name)

		switch {
		case !inRight:
			fmt.Fprintf(b, "Only in %s: %s\n", label("a", path.Dir(p)), name)
		case !inLeft:
			fmt.Fprintf(b, "Only in %s: %s\n", label("b", path.Dir(p)), name)
		case l.IsDir() && r.IsDir():
			if err := d.walk(ctx, b, before, after, filepath.Join(rel, name)); err != nil {
				return err
			}
		case kind(l) != kind(r):
			fmt.Fprintf(b, "File %s is a %s while file %s is a %s\n",
				label("a", p), kind(l), label("b", p), kind(r))
		case l.Type()&fs.ModeSymlink != 0:
			if err := d.symlinks(b, filepath.Join(before, p), filepath.Join(after, p), p); err != nil {
				return err
			}
		case l.Type().IsRegular():
			if err := d.files(b, filepath.Join(before, p), filepath.Join(after, p), p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Differ) readDir(dir string) (map[string]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	m := make(map[string]fs.DirEntry, len(entries))
	for _, e := range entries {
		if d.exclude[e.Name()] {
			continue
		}
		m[e.Name()] = e
	}
	return m, nil
}

func (d *Differ) files(b *strings.Builder, beforePath, afterPath, p string) error {
	x, err := os.ReadFile(beforePath)
	if err != nil {
		return err
	}
	y, err := os.ReadFile(afterPath)
	if err != nil {
		return err
	}
	if bytes.Equal(x, y) {
		return nil
	}
	if isBinary(x) || isBinary(y) {
		fmt.Fprintf(b, "Binary files %s and %s differ\n", label("a", p), label("b", p))
		return nil
	}

	fmt.Fprintf(b, "diff -ru %s %s\n", label("a", p), label("b", p))
	unified(b, splitLines(string(x)), splitLines(string(y)), label("a", p), label("b", p), d.opts.Context)
	return nil
}

// unified writes the hunks of a against b. A last line without its newline is
// followed by the "\ No newline at end of file" marker.
func unified(b *strings.Builder, a, c []string, from, to string, n int) {
	fmt.Fprintf(b, "--- %s\n+++ %s\n", from, to)
	line := func(prefix byte, s string) {
		b.WriteByte(prefix)
		b.WriteString(s)
		if !strings.HasSuffix(s, "\n") {
			b.WriteString("\n\\ No newline at end of file\n")
		}
	}
	for _, group := range difflib.NewMatcher(a, c).GetGroupedOpCodes(n) {
		first, last := group[0], group[len(group)-1]
		fmt.Fprintf(b, "@@ -%s +%s @@\n", hunkRange(first.I1, last.I2), hunkRange(first.J1, last.J2))
		for _, op := range group {
			if op.Tag == 'e' {
				for _, s := range a[op.I1:op.I2] {
					line(' ', s)
				}
				continue
			}
			if op.Tag == 'r' || op.Tag == 'd' {
				for _, s := range a[op.I1:op.I2] {
					line('-', s)
				}
			}
			if op.Tag == 'r' || op.Tag == 'i' {
				for _, s := range c[op.J1:op.J2] {
					line('+', s)
				}
			}
		}
	}
}

// hunkRange formats a half-open line range the way diff -u does.
func hunkRange(start, stop int) string {
	length := stop - start
	if length == 1 {
		return fmt.Sprintf("%d", start+1)
	}
	if length == 0 {
		return fmt.Sprintf("%d,0", start)
	}
	return fmt.Sprintf("%d,%d", start+1, length)
}

func (d *Differ) symlinks(b *strings.Builder, beforePath, afterPath, p string) error {
	x, err := os.Readlink(beforePath)
	if err != nil {
		return err
	}
	y, err := os.Readlink(afterPath)
	if err != nil {
		return err
	}
	if x != y {
		fmt.Fprintf(b, "Symbolic links %s -> %s and %s -> %s differ\n", label("a", p), x, label("b", p), y)
	}
	return nil
}

func label(side, p string) string {
	if p == "." || p == "" {
		return side
	}
	return side + "/" + p
}

func kind(e fs.DirEntry) string {
	switch t := e.Type(); {
	case t.IsDir():
		return "directory"
	case t&fs.ModeSymlink != 0:
		return "symbolic link"
	case t.IsRegular():
		return "regular file"
	default:
		return "special file"
	}
}

func union(a, b map[string]fs.DirEntry) []string {
	names := make([]string, 0, len(a)+len(b))
	for n := range a {
		names = append(names, n)
	}
	for n := range b {
		if _, ok := a[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// isBinary treats NUL bytes and invalid UTF-8 as binary, which also keeps the
// diff text storable in a TEXT column.
func isBinary(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data)
}

// splitLines splits s keeping line endings. A missing final newline stays
// missing, so "x" and "x\n" compare unequal.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
