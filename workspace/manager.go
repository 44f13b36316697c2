// Package workspace manages the per-job source directories.
//
// Every channel with an active job owns {root}/{channelID}/. The directory
// holds the submitted sources, either a single inline file or the contents
// of extracted archives, and is deleted when the job ends unless retention
// is enabled for the whole run.
package workspace

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/sandbot/config"
)

// File permission and size constants
const (
	DirPermission  = 0755
	FilePermission = 0644

	// MaxExtractedBytes caps the total size extracted from one archive
	MaxExtractedBytes = 64 * 1024 * 1024
)

// ErrInvalidChannel is returned for channel ids that are not a single path element
var ErrInvalidChannel = errors.New("invalid channel id")

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Manager allocates and deletes job workspaces under a root directory
type Manager struct {
	logger *zap.Logger
	root   string
	keep   bool
	fs     FileSystem
}

// Option defines a functional option for Manager
type Option func(*Manager)

// WithFileSystem sets the FileSystem for Manager
func WithFileSystem(fs FileSystem) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}

// NewManager creates the workspace root. An unwritable root is a
// configuration fault.
func NewManager(logger *zap.Logger, cfg *config.Config, opts ...Option) (*Manager, error) {
	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	m := &Manager{
		logger: logger,
		root:   root,
		keep:   cfg.Workspace.KeepTemp,
		fs:     &RealFileSystem{}, // Default implementation
	}

	for _, opt := range opts {
		opt(m)
	}

	if err := m.fs.MkdirAll(root, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return m, nil
}

// Root returns the absolute workspace root
func (m *Manager) Root() string {
	return m.root
}

// Path returns the workspace directory of channelID
func (m *Manager) Path(channelID string) (string, error) {
	if channelID == "" || channelID == "." || channelID == ".." || strings.ContainsAny(channelID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channelID)
	}
	return filepath.Join(m.root, channelID), nil
}

// Create allocates the workspace of channelID. It is idempotent.
func (m *Manager) Create(channelID string) (string, error) {
	dir, err := m.Path(channelID)
	if err != nil {
		return "", err
	}
	if err := m.fs.MkdirAll(dir, DirPermission); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// Destroy deletes the workspace of channelID unless retention is enabled.
// Missing or partially populated directories are fine.
func (m *Manager) Destroy(channelID string) error {
	if m.keep {
		m.logger.Debug("keeping workspace", zap.String("channel", channelID))
		return nil
	}
	dir, err := m.Path(channelID)
	if err != nil {
		return err
	}
	if err := m.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// Purge deletes every workspace under the root
func (m *Manager) Purge() error {
	if err := m.fs.RemoveAll(m.root); err != nil {
		return fmt.Errorf("failed to purge workspaces: %w", err)
	}
	if err := m.fs.MkdirAll(m.root, DirPermission); err != nil {
		return fmt.Errorf("failed to recreate workspace root: %w", err)
	}
	return nil
}

// WriteSource writes one source file into dir
func (m *Manager) WriteSource(dir, name string, data []byte) error {
	path, err := safeJoin(dir, name)
	if err != nil {
		return err
	}
	if err := m.fs.WriteFile(path, data, FilePermission); err != nil {
		return fmt.Errorf("failed to write source file: %w", err)
	}
	return nil
}

// FilePath returns the path of name below dir, rejecting names that
// escape it
func (m *Manager) FilePath(dir, name string) (string, error) {
	return safeJoin(dir, name)
}

// ExtractZip extracts the archive at archivePath into dir. Entries flagged
// as directories are recreated as directories, all others become files.
// It returns the extracted file names relative to dir.
func (m *Manager) ExtractZip(dir, archivePath string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	var extracted []string
	var budget int64 = MaxExtractedBytes

	for _, entry := range reader.File {
		filePath, err := safeJoin(dir, entry.Name)
		if err != nil {
			return extracted, err
		}

		if entry.FileInfo().IsDir() || strings.HasSuffix(entry.Name, "/") {
			if err := m.fs.MkdirAll(filePath, DirPermission); err != nil {
				return extracted, fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		// Create parent directories if they don't exist
		if err := m.fs.MkdirAll(filepath.Dir(filePath), DirPermission); err != nil {
			return extracted, fmt.Errorf("failed to create parent directories: %w", err)
		}

		content, err := readEntry(entry, budget)
		if err != nil {
			return extracted, err
		}
		budget -= int64(len(content))

		if err := m.fs.WriteFile(filePath, content, FilePermission); err != nil {
			return extracted, fmt.Errorf("failed to write file: %w", err)
		}

		m.logger.Debug("extracted", zap.String("entry", entry.Name))
		extracted = append(extracted, filepath.ToSlash(filepath.Clean(entry.Name)))
	}

	return extracted, nil
}

func readEntry(entry *zip.File, budget int64) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open archive entry %s: %w", entry.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, budget+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read archive entry %s: %w", entry.Name, err)
	}
	if int64(len(content)) > budget {
		return nil, fmt.Errorf("archive exceeds %d bytes", MaxExtractedBytes)
	}
	return content, nil
}

// HasSource reports whether any file below dir has the extension ext
func (m *Manager) HasSource(dir, ext string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(d.Name()), ext) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to scan workspace: %w", err)
	}
	return found, nil
}

// safeJoin joins name below dir, rejecting absolute paths and traversal
func safeJoin(dir, name string) (string, error) {
	dir = filepath.Clean(dir)
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute path not allowed: %s", name)
	}

	// Clean the path to resolve any relative paths like ../
	cleanName := filepath.Clean(filepath.FromSlash(name))
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe relative path: %s", name)
	}

	path := filepath.Join(dir, cleanName)
	if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path: %s", name)
	}
	return path, nil
}
