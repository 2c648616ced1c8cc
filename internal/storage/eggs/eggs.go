// Package eggs implements a local filesystem store for versioned project
// artifacts.
package eggs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const eggExt = ".egg"

// Config captures the parameters for the filesystem egg store.
type Config struct {
	// BaseDir is the root directory where eggs are stored, one
	// subdirectory per project.
	BaseDir string `mapstructure:"base_dir"`
}

// Store keeps one {version}.egg file per uploaded artifact under
// {base_dir}/{project}/.
type Store struct {
	baseDir string
}

// New creates a new filesystem-backed egg store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &Store{baseDir: cfg.BaseDir}, nil
}

// Put stores an egg for (project, version), replacing any previous upload
// of the same version.
func (s *Store) Put(_ context.Context, egg io.Reader, project, version string) error {
	dir, err := s.projectDir(project)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	path := filepath.Join(dir, sanitizeVersion(version)+eggExt)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create egg file: %w", err)
	}
	if _, err := io.Copy(f, egg); err != nil {
		f.Close()
		return fmt.Errorf("write egg file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close egg file: %w", err)
	}
	return nil
}

// Get opens the egg for (project, version), or the latest version when
// version is empty. A missing project or version yields ok=false.
func (s *Store) Get(ctx context.Context, project, version string) (string, io.ReadCloser, bool, error) {
	if version == "" {
		versions, err := s.List(ctx, project)
		if err != nil {
			return "", nil, false, err
		}
		if len(versions) == 0 {
			return "", nil, false, nil
		}
		version = versions[len(versions)-1]
	}
	dir, err := s.projectDir(project)
	if err != nil {
		return "", nil, false, err
	}
	f, err := os.Open(filepath.Join(dir, sanitizeVersion(version)+eggExt))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("open egg file: %w", err)
	}
	return version, f, true, nil
}

// List returns the stored versions for a project, oldest first by the
// version ordering. A missing project yields an empty list.
func (s *Store) List(_ context.Context, project string) ([]string, error) {
	dir, err := s.projectDir(project)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list project directory: %w", err)
	}
	var versions []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, eggExt) {
			continue
		}
		versions = append(versions, strings.TrimSuffix(name, eggExt))
	}
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) < 0
	})
	return versions, nil
}

// ListProjects returns every project with at least one stored egg.
func (s *Store) ListProjects(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list base directory: %w", err)
	}
	var projects []string
	for _, entry := range entries {
		if entry.IsDir() {
			projects = append(projects, entry.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// Delete removes one stored version, or the whole project when version is
// empty.
func (s *Store) Delete(_ context.Context, project, version string) error {
	dir, err := s.projectDir(project)
	if err != nil {
		return err
	}
	if version == "" {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		return nil
	}
	if err := os.Remove(filepath.Join(dir, sanitizeVersion(version)+eggExt)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete egg file: %w", err)
	}
	return nil
}

// projectDir resolves the directory for a project, rejecting names that
// would escape the base directory.
func (s *Store) projectDir(project string) (string, error) {
	if project == "" || strings.ContainsAny(project, "/\\") || project == "." || project == ".." {
		return "", fmt.Errorf("invalid project name %q", project)
	}
	return filepath.Join(s.baseDir, project), nil
}

// sanitizeVersion keeps version strings usable as file names.
func sanitizeVersion(version string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, version)
}

// compareVersions orders version strings segment by segment, comparing
// numeric segments numerically so that "1.10" sorts after "1.9".
func compareVersions(a, b string) int {
	as := strings.FieldsFunc(a, isSeparator)
	bs := strings.FieldsFunc(b, isSeparator)
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aErr := strconv.Atoi(as[i])
		bn, bErr := strconv.Atoi(bs[i])
		if aErr == nil && bErr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if as[i] != bs[i] {
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

func isSeparator(r rune) bool {
	return r == '.' || r == '-' || r == '_'
}
