// Package stream implements the file plumbing shared by all pipelines: reading the files matched
// by a set of globs, rewriting their contents and writing them below an output directory.
package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
)

// ErrMissing is returned by Src if a literal (non-glob) path does not exist
var ErrMissing = errors.New("file not found")

// File is a single file flowing through a pipeline
type File struct {
	// Path is the absolute path the file was read from (or will be written as, relative to Base)
	Path string
	// Base is the directory the file's glob started matching in; the part of Path below Base is
	// preserved when the file is written to a destination.
	Base     string
	Contents []byte
	Mode     os.FileMode
}

// Relative returns the path of the file relative to its base
func (f *File) Relative() string {
	rel, err := filepath.Rel(f.Base, f.Path)
	if err != nil {
		return filepath.Base(f.Path)
	}

	return rel
}

// Rename changes the path of the file relative to its base
func (f *File) Rename(rel string) {
	f.Path = filepath.Join(f.Base, rel)
}

// Ext returns the lower-cased extension of the file
func (f *File) Ext() string {
	return strings.ToLower(filepath.Ext(f.Path))
}

// Clone returns a deep copy of f
func (f *File) Clone() *File {
	clone := *f
	clone.Contents = append([]byte(nil), f.Contents...)
	return &clone
}

// IsGlob reports whether pattern contains glob meta characters
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// Match resolves the given patterns to a sorted list of file paths per pattern while keeping the
// order of the patterns. Literal paths have to exist; globs that don't match anything are fine.
func Match(patterns ...string) ([]string, error) {
	result := make([]string, 0)
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		if !IsGlob(pattern) {
			info, err := os.Stat(pattern)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, eris.Wrapf(ErrMissing, "%s", pattern)
				}
				return nil, eris.Wrapf(err, "failed to check %s", pattern)
			}

			if info.IsDir() {
				return nil, eris.Errorf("%s is a directory", pattern)
			}

			if !seen[pattern] {
				seen[pattern] = true
				result = append(result, pattern)
			}
			continue
		}

		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", pattern)
		}

		sort.Strings(matches)
		for _, match := range matches {
			if !seen[match] {
				seen[match] = true
				result = append(result, match)
			}
		}
	}

	return result, nil
}

// GlobBase returns the directory a pattern starts matching in
func GlobBase(pattern string) string {
	if !IsGlob(pattern) {
		return filepath.Dir(pattern)
	}

	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	return filepath.FromSlash(base)
}

// Src reads all files matched by patterns
func Src(ctx context.Context, patterns ...string) ([]*File, error) {
	files := make([]*File, 0)
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		matches, err := Match(pattern)
		if err != nil {
			return nil, err
		}

		base := GlobBase(pattern)
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			file, err := Read(path, base)
			if err != nil {
				return nil, err
			}

			files = append(files, file)
		}
	}

	return files, nil
}

// Read loads a single file
func Read(path, base string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to check %s", path)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	return &File{
		Path:     path,
		Base:     base,
		Contents: contents,
		Mode:     info.Mode().Perm(),
	}, nil
}

// Dest writes files below dir, keeping each file's path relative to its base.
// It returns the written paths.
func Dest(ctx context.Context, dir string, files []*File) ([]string, error) {
	written := make([]string, 0, len(files))

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		target := filepath.Join(dir, file.Relative())
		mode := file.Mode
		if mode == 0 {
			mode = 0o644
		}

		if err := WriteFileAtomic(target, file.Contents, mode); err != nil {
			return written, err
		}

		written = append(written, target)
	}

	return written, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames it into place so
// readers (and concurrent writers) never observe a partially written file.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "failed to create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "failed to create temporary file for %s", path)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(mode)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "failed to write %s", path)
	}

	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "failed to move %s into place", path)
	}

	return nil
}

// Replacement is a literal find/replace pair
type Replacement struct {
	Old string
	New string
}

// Replace applies the replacements in order to the contents of every file
func Replace(files []*File, replacements []Replacement) {
	for _, file := range files {
		contents := string(file.Contents)
		for _, r := range replacements {
			contents = strings.ReplaceAll(contents, r.Old, r.New)
		}
		file.Contents = []byte(contents)
	}
}

// Remove deletes path recursively. It refuses to delete root itself or anything outside of it.
// A missing path is not an error.
func Remove(path, root string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return eris.Wrapf(err, "failed to resolve %s", path)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return eris.Wrapf(err, "failed to resolve %s", root)
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return eris.Errorf("refusing to delete %s because it is not inside the project root %s", absPath, absRoot)
	}

	if err = os.RemoveAll(absPath); err != nil {
		return eris.Wrapf(err, "could not delete %s", absPath)
	}

	return nil
}
