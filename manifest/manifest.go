// Package manifest loads the bundle manifest that describes which test
// bundles a launch runs.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"

	"github.com/launchrelay/launchrelay/types"
)

// Manifest is the parsed bundle manifest
type Manifest struct {
	// Launch-level settings applied to every run of this manifest
	Launch LaunchConfig `yaml:"launch"`
	// Bundles to execute; each one is a single go test invocation
	Bundles []BundleConfig `yaml:"bundles"`
}

// LaunchConfig names the launch and carries its default attributes
type LaunchConfig struct {
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Attributes  map[string]string `yaml:"attributes,omitempty"`
}

// BundleConfig mirrors types.Bundle in the manifest file
type BundleConfig struct {
	Name       string            `yaml:"name,omitempty"`
	Package    string            `yaml:"package"`
	Run        string            `yaml:"run,omitempty"`
	Timeout    string            `yaml:"timeout,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

// Loader reads and caches the manifest for one working directory
type Loader struct {
	mu       sync.RWMutex
	path     string
	workDir  string
	manifest *Manifest
	log      log.Logger
}

// NewLoader creates a loader for the manifest at path, resolving module
// metadata from workDir
func NewLoader(path, workDir string, lg log.Logger) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("manifest file is required")
	}
	if lg == nil {
		lg = log.New()
	}

	l := &Loader{
		path:    path,
		workDir: workDir,
		log:     lg,
	}
	if err := l.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	return l, nil
}

// Reload re-reads the manifest from disk
func (l *Loader) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.log.Debug("Reading bundle manifest", "path", l.path)
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("reading manifest file: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing manifest file: %w", err)
	}
	if err := validate(&m); err != nil {
		return err
	}

	l.manifest = &m
	l.log.Debug("Manifest loaded", "len(bundles)", len(m.Bundles))
	return nil
}

// Manifest returns the last loaded manifest
func (l *Loader) Manifest() *Manifest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manifest
}

// ModuleName returns the module path from the working directory's go.mod. It
// is attached to the launch as an attribute so runs are attributable to a
// codebase.
func (l *Loader) ModuleName() (string, error) {
	goModPath := filepath.Join(l.workDir, "go.mod")
	goModContent, err := os.ReadFile(goModPath)
	if err != nil {
		return "", fmt.Errorf("failed to read go.mod: %w", err)
	}

	modFile, err := modfile.Parse(goModPath, goModContent, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse go.mod: %w", err)
	}

	moduleName := modFile.Module.Mod.Path
	if moduleName == "" {
		return "", fmt.Errorf("could not find module name in go.mod")
	}
	return moduleName, nil
}

func validate(m *Manifest) error {
	if len(m.Bundles) == 0 {
		return fmt.Errorf("manifest defines no bundles")
	}

	seen := make(map[string]bool)
	for i, b := range m.Bundles {
		if b.Package == "" {
			return fmt.Errorf("bundle %d: package is required", i)
		}
		name := b.Name
		if name == "" {
			name = b.Package
		}
		if seen[name] {
			return fmt.Errorf("bundle %d: duplicate bundle %q", i, name)
		}
		seen[name] = true

		if b.Timeout != "" {
			if _, err := time.ParseDuration(b.Timeout); err != nil {
				return fmt.Errorf("bundle %d: invalid timeout %q: %w", i, b.Timeout, err)
			}
		}
	}
	return nil
}

// ResolveBundles converts the manifest's bundle entries into runtime bundles
func (l *Loader) ResolveBundles(defaultTimeout time.Duration) ([]types.Bundle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bundles := make([]types.Bundle, 0, len(l.manifest.Bundles))
	for _, bc := range l.manifest.Bundles {
		b := types.Bundle{
			Name:       bc.Name,
			Package:    bc.Package,
			Run:        bc.Run,
			Attributes: bc.Attributes,
		}

		timeout := defaultTimeout
		if bc.Timeout != "" {
			parsed, err := time.ParseDuration(bc.Timeout)
			if err != nil {
				return nil, fmt.Errorf("invalid timeout for bundle %q: %w", b.DisplayName(), err)
			}
			timeout = parsed
		}
		if timeout != 0 {
			b.Timeout = &timeout
		}

		bundles = append(bundles, b)
	}
	return bundles, nil
}
