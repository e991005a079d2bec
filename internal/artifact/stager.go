// Package artifact manages the workspace filesystem the pipeline stages
// build inputs and outputs into. Every job owns a subtree of the
// workspace; uploads into it skip rewriting files whose bytes already
// match, so repeated builds of an unchanged artifact stay cheap.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Stager abstracts the workspace filesystem operations the pipeline needs.
type Stager interface {
	Exists(path string) (bool, error)
	Mkdirs(path string) error
	Delete(path string) error
	// Copy copies a single file, creating parent directories as needed.
	Copy(src, dst string) error
	// CopyDir copies a directory tree.
	CopyDir(src, dst string) error
	// Move renames src to dst, falling back to copy+delete across devices.
	Move(src, dst string) error
	// Upload places src at dst unless dst already holds identical bytes.
	// Returns true when the file was actually written.
	Upload(src, dst string) (bool, error)
	// Checksum returns the content hash of the file at path.
	Checksum(path string) (string, error)
}

// LocalStager implements Stager on the local filesystem rooted at the
// configured workspace directory. All paths are relative to the root
// unless already absolute.
type LocalStager struct {
	root string
}

func NewLocalStager(root string) *LocalStager {
	return &LocalStager{root: root}
}

// Resolve joins a workspace-relative path onto the root.
func (s *LocalStager) Resolve(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *LocalStager) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.root, path)
}

func (s *LocalStager) Exists(path string) (bool, error) {
	_, err := os.Stat(s.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *LocalStager) Mkdirs(path string) error {
	return os.MkdirAll(s.abs(path), 0o755)
}

func (s *LocalStager) Delete(path string) error {
	return os.RemoveAll(s.abs(path))
}

func (s *LocalStager) Copy(src, dst string) error {
	src, dst = s.abs(src), s.abs(dst)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	return out.Close()
}

func (s *LocalStager) CopyDir(src, dst string) error {
	src, dst = s.abs(src), s.abs(dst)
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return s.Copy(path, target)
	})
}

func (s *LocalStager) Move(src, dst string) error {
	src, dst = s.abs(src), s.abs(dst)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// rename fails across devices
	if err := s.Copy(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func (s *LocalStager) Upload(src, dst string) (bool, error) {
	src, dst = s.abs(src), s.abs(dst)

	same, err := identicalFiles(src, dst)
	if err != nil {
		return false, err
	}
	if same {
		return false, nil
	}
	if err := s.Copy(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStager) Checksum(path string) (string, error) {
	f, err := os.Open(s.abs(path))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// identicalFiles reports whether both paths exist and hold the same bytes.
// A missing dst is simply "not identical".
func identicalFiles(src, dst string) (bool, error) {
	dstInfo, err := os.Stat(dst)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if srcInfo.Size() != dstInfo.Size() {
		return false, nil
	}

	a, err := hashFile(src)
	if err != nil {
		return false, err
	}
	b, err := hashFile(dst)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

var _ Stager = (*LocalStager)(nil)
