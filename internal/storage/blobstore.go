// Package storage provides sandboxed blob storage for reelforge artifacts.
// All file operations are restricted to the configured base directory to
// prevent path traversal and other security issues.
package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBlobNotFound is returned by Get and Stat when no blob exists for a key.
var ErrBlobNotFound = errors.New("blob not found")

// scratchDir holds per-run scratch directories under the store root.
// Its contents are disposable and wiped at boot.
const scratchDir = "tmp"

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Size    int64
	ModTime time.Time
}

// BlobStore is a filesystem-backed blob store addressed by slash-separated
// keys. It prevents path traversal by ensuring every key resolves within the
// base directory, and every write is atomic: data lands in a temp file next
// to the target and is renamed into place, so readers never observe partial
// blobs.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at the given base directory.
// The directory is created if it doesn't exist.
func NewBlobStore(baseDir string) (*BlobStore, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	return &BlobStore{baseDir: absPath}, nil
}

// BaseDir returns the absolute path to the store's base directory.
func (s *BlobStore) BaseDir() string {
	return s.baseDir
}

// ResolveKey resolves a blob key to an absolute path within the store.
// Returns an error if the key is empty, absolute, or would escape the base
// directory.
func (s *BlobStore) ResolveKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("blob key is empty")
	}
	if filepath.IsAbs(key) {
		return "", fmt.Errorf("key escapes blob store: %s (absolute paths not allowed)", key)
	}

	// Clean the key to remove . and .. components
	cleanPath := filepath.Clean(key)

	fullPath := filepath.Join(s.baseDir, cleanPath)

	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}

	// Ensure the path is within the store
	if !strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator)) && absPath != s.baseDir {
		return "", fmt.Errorf("key escapes blob store: %s", key)
	}

	return absPath, nil
}

// Put streams r into the blob for key, creating parent directories as needed.
// Returns the number of bytes written.
func (s *BlobStore) Put(key string, r io.Reader) (int64, error) {
	targetPath, err := s.ResolveKey(key)
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	tempName := fmt.Sprintf(".%s.%s.tmp", filepath.Base(targetPath), randomHex(8))
	tempPath := filepath.Join(dir, tempName)

	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return 0, fmt.Errorf("creating temporary file: %w", err)
	}

	written, err := io.Copy(tempFile, r)
	closeErr := tempFile.Close()

	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("writing temporary file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("closing temporary file: %w", closeErr)
	}

	// Rename to target (atomic on most filesystems)
	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("renaming to target: %w", err)
	}

	return written, nil
}

// PutBytes writes data as the blob for key.
func (s *BlobStore) PutBytes(key string, data []byte) error {
	_, err := s.Put(key, bytes.NewReader(data))
	return err
}

// Get opens the blob for key for reading. The caller must close the returned
// reader. Returns ErrBlobNotFound if no blob exists.
func (s *BlobStore) Get(key string) (io.ReadCloser, error) {
	path, err := s.ResolveKey(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return file, nil
}

// GetBytes reads the entire blob for key.
func (s *BlobStore) GetBytes(key string) ([]byte, error) {
	file, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

// Stat returns size and modification time for the blob at key.
// Returns ErrBlobNotFound if no blob exists.
func (s *BlobStore) Stat(key string) (BlobInfo, error) {
	path, err := s.ResolveKey(key)
	if err != nil {
		return BlobInfo{}, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return BlobInfo{}, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return BlobInfo{}, fmt.Errorf("getting blob info: %w", err)
	}
	return BlobInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Exists checks whether a blob exists for key.
func (s *BlobStore) Exists(key string) (bool, error) {
	_, err := s.Stat(key)
	if errors.Is(err, ErrBlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the blob for key. Deleting a missing blob is not an error,
// so interrupted cleanup passes can safely run again.
func (s *BlobStore) Delete(key string) error {
	path, err := s.ResolveKey(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

// RemoveAll removes the directory subtree for key. The base directory itself
// cannot be removed.
func (s *BlobStore) RemoveAll(key string) error {
	path, err := s.ResolveKey(key)
	if err != nil {
		return err
	}

	if path == s.baseDir {
		return fmt.Errorf("cannot remove blob store base directory")
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// Publish moves a finished file from an external absolute path (typically a
// scratch directory) to the blob for key. It first tries a direct rename
// (efficient if same filesystem), then falls back to copy-then-rename for
// cross-filesystem scenarios. Returns the blob size.
func (s *BlobStore) Publish(key, srcPath string) (int64, error) {
	targetPath, err := s.ResolveKey(key)
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	if err := os.Rename(srcPath, targetPath); err != nil {
		if err := s.copyPublish(srcPath, targetPath); err != nil {
			return 0, err
		}
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		return 0, fmt.Errorf("getting blob info: %w", err)
	}
	return info.Size(), nil
}

// copyPublish copies a file then renames it for atomicity.
func (s *BlobStore) copyPublish(srcPath, targetPath string) error {
	dir := filepath.Dir(targetPath)
	tempName := fmt.Sprintf(".%s.%s.tmp", filepath.Base(targetPath), randomHex(8))
	tempPath := filepath.Join(dir, tempName)

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer srcFile.Close()

	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	_, err = io.Copy(tempFile, srcFile)
	closeErr := tempFile.Close()

	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("copying to temp file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", closeErr)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}

	return nil
}

// Scratch creates a fresh scratch directory under the store's tmp/ area and
// returns its absolute path. Callers own cleanup; anything left behind is
// wiped by CleanScratch at the next boot.
func (s *BlobStore) Scratch(prefix string) (string, error) {
	tmpPath := filepath.Join(s.baseDir, scratchDir)
	if err := os.MkdirAll(tmpPath, 0750); err != nil {
		return "", fmt.Errorf("creating scratch root: %w", err)
	}

	dir, err := os.MkdirTemp(tmpPath, prefix+"-")
	if err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	return dir, nil
}

// CleanScratch removes every entry under the store's tmp/ area. Run at boot
// to clear scratch directories orphaned by a crashed worker.
func (s *BlobStore) CleanScratch() error {
	tmpPath := filepath.Join(s.baseDir, scratchDir)

	entries, err := os.ReadDir(tmpPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading scratch root: %w", err)
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(tmpPath, entry.Name())); err != nil {
			return fmt.Errorf("removing scratch entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// CleanupEmptyDirs removes empty directories left behind after blob
// deletions. The base directory and the scratch root are kept.
func (s *BlobStore) CleanupEmptyDirs() error {
	emptyDirs := make([]string, 0)
	scratchRoot := filepath.Join(s.baseDir, scratchDir)

	err := filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() || path == s.baseDir || path == scratchRoot {
			return nil
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}
		if len(entries) == 0 {
			emptyDirs = append(emptyDirs, path)
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("walking store directory: %w", err)
	}

	// Remove in reverse order to handle nested dirs
	for i := len(emptyDirs) - 1; i >= 0; i-- {
		if err := os.Remove(emptyDirs[i]); err != nil {
			// Directory might have been populated again
			continue
		}
	}

	return nil
}

// randomHex generates a random hex string of the specified length.
func randomHex(n int) string {
	buf := make([]byte, n/2+1)
	if _, err := rand.Read(buf); err != nil {
		// Fallback to less random but still unique
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(buf)[:n]
}
