package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// scaffoldDirs are created for every staged project before the bundle is
// written, matching the layout the generated Next.js bundles expect.
var scaffoldDirs = []string{"app", "components", "lib", "public"}

// widgetSubdir is where the shared widget component library lands inside a
// staged project.
const widgetSubdir = "components/widgets"

// Manager owns project-specific working directories under a common root.
type Manager struct {
	root      string
	widgetSrc string
}

// New ensures the deployment root exists and is accessible. widgetSrc names
// the host directory holding the pre-built widget component library; it may
// be empty or missing, in which case widget copies fail softly.
func New(root, widgetSrc string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("deployment root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create deployment root: %w", err)
	}
	return &Manager{root: root, widgetSrc: widgetSrc}, nil
}

// Root returns the deployment root path.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory a project id stages into.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.root, id)
}

// Stage materializes a file bundle under a fresh project directory and
// returns its absolute path. Entries map relative paths to text content;
// parent directories are created and existing files overwritten. Any write
// error aborts the operation and leaves partial contents in place.
func (m *Manager) Stage(id string, bundle map[string]string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("project id cannot be empty")
	}
	dir := m.Path(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project directory: %w", err)
	}
	for _, sub := range scaffoldDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create scaffold directory %s: %w", sub, err)
		}
	}
	for rel, content := range bundle {
		target, err := m.resolve(dir, rel)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create parent for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return dir, nil
}

// CopyWidgetLibrary copies the shared widget component library into the
// staged project. Callers treat any error as soft: the deployment proceeds
// without widgets rather than failing.
func (m *Manager) CopyWidgetLibrary(projectDir string) error {
	if m.widgetSrc == "" {
		return fmt.Errorf("widget library directory not configured")
	}
	info, err := os.Stat(m.widgetSrc)
	if err != nil {
		return fmt.Errorf("widget library source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("widget library source %s is not a directory", m.widgetSrc)
	}
	return copyTree(m.widgetSrc, filepath.Join(projectDir, filepath.FromSlash(widgetSubdir)))
}

// Cleanup removes a project directory. Paths outside the configured root
// are refused.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside deployment root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the directory staged for the given project id.
func (m *Manager) CleanupByID(id string) error {
	if id == "" {
		return fmt.Errorf("project id cannot be empty")
	}
	return m.Cleanup(m.Path(id))
}

// List returns the project ids present on disk under the root.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read deployment root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// resolve joins a bundle-relative path under dir, rejecting entries that
// would escape the project directory.
func (m *Manager) resolve(dir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("bundle entry path cannot be empty")
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("bundle entry %s escapes project directory", rel)
	}
	return filepath.Join(dir, cleaned), nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
