package kiln

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/imdario/mergo"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// DefaultManifestFile is the build manifest kiln looks for in the working
// directory.
const DefaultManifestFile = "kiln.yaml"

// VersioningConfig is the manifest form of a versioning strategy
type VersioningConfig struct {
	// Type is one of fixed, hash, git
	Type string `yaml:"type"`

	// Version is the verbatim tag for type fixed
	Version string `yaml:"version,omitempty"`

	// Path is the hashed file or directory for type hash
	Path string `yaml:"path,omitempty"`

	// WorkingCopy, Subpath and Ref select the commit for type git
	WorkingCopy string `yaml:"workingCopy,omitempty"`
	Subpath     string `yaml:"subpath,omitempty"`
	Ref         string `yaml:"ref,omitempty"`
}

func (c *VersioningConfig) strategy(baseDir string) (VersioningStrategy, error) {
	switch c.Type {
	case "fixed":
		return FixedVersion{Version: c.Version}, nil
	case "hash":
		if c.Path == "" {
			return nil, fmt.Errorf("hash versioning needs a path")
		}
		return ContentVersion{Path: absFrom(baseDir, c.Path)}, nil
	case "git":
		wc := c.WorkingCopy
		if wc == "" {
			wc = baseDir
		}
		return GitVersion{WorkingCopy: absFrom(baseDir, wc), Subpath: c.Subpath, Ref: c.Ref}, nil
	case "":
		return nil, fmt.Errorf("versioning type is required (fixed, hash or git)")
	default:
		return nil, fmt.Errorf("unsupported versioning type %q (want fixed, hash or git)", c.Type)
	}
}

// SourceConfig is the manifest form of a build source
type SourceConfig struct {
	// Type is one of directory, snapshot, git
	Type string `yaml:"type"`

	// Path is the context directory for types directory and snapshot
	Path string `yaml:"path,omitempty"`

	// Excludes and CacheKey apply to type snapshot
	Excludes []string `yaml:"excludes,omitempty"`
	CacheKey string   `yaml:"cacheKey,omitempty"`

	// WorkingCopy, Subpath and Commit apply to type git
	WorkingCopy string `yaml:"workingCopy,omitempty"`
	Subpath     string `yaml:"subpath,omitempty"`
	Commit      string `yaml:"commit,omitempty"`
}

func (c *SourceConfig) source(baseDir string) (BuildSource, error) {
	switch c.Type {
	case "directory":
		if c.Path == "" {
			return nil, fmt.Errorf("directory source needs a path")
		}
		return DirectorySource{Path: absFrom(baseDir, c.Path)}, nil
	case "snapshot":
		if c.Path == "" {
			return nil, fmt.Errorf("snapshot source needs a path")
		}
		return SnapshotSource{Path: absFrom(baseDir, c.Path), Excludes: c.Excludes, CacheKey: c.CacheKey}, nil
	case "git":
		wc := c.WorkingCopy
		if wc == "" {
			wc = baseDir
		}
		return GitSource{WorkingCopy: absFrom(baseDir, wc), Subpath: c.Subpath, Commit: c.Commit}, nil
	case "":
		return nil, fmt.Errorf("source type is required (directory, snapshot or git)")
	default:
		return nil, fmt.Errorf("unsupported source type %q (want directory, snapshot or git)", c.Type)
	}
}

// RemoteTargetConfig is the manifest form of a remote target
type RemoteTargetConfig struct {
	ServiceAccount string `yaml:"serviceAccount"`
	ContextBucket  string `yaml:"contextBucket"`
	Project        string `yaml:"project"`
}

// ImageConfig describes one image in the manifest. Empty fields fall back to
// the manifest's defaults block.
type ImageConfig struct {
	Registry          string             `yaml:"registry,omitempty"`
	Tags              []string           `yaml:"tags,omitempty"`
	CacheFrom         string             `yaml:"cacheFrom,omitempty"`
	Versioning        VersioningConfig   `yaml:"versioning,omitempty"`
	Source            SourceConfig       `yaml:"source,omitempty"`
	BuildArgs         map[string]*string `yaml:"buildArgs,omitempty"`
	Dockerfile        string             `yaml:"dockerfile,omitempty"`
	Platform          string             `yaml:"platform,omitempty"`
	Secrets           map[string]string  `yaml:"secrets,omitempty"`
	GrantUploadAccess bool               `yaml:"grantUploadAccess,omitempty"`
	Remote            *RemoteTargetConfig `yaml:"remote,omitempty"`
}

// Manifest is the declarative kiln.yaml build description
type Manifest struct {
	Defaults ImageConfig            `yaml:"defaults,omitempty"`
	Images   map[string]ImageConfig `yaml:"images"`

	// baseDir anchors relative paths in the manifest
	baseDir string
}

// LoadManifest reads and parses a manifest file. Relative paths inside the
// manifest are resolved against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("cannot load manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(content, &manifest); err != nil {
		return nil, xerrors.Errorf("cannot parse %s: %w", path, err)
	}
	if len(manifest.Images) == 0 {
		return nil, xerrors.Errorf("%s defines no images", path)
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	manifest.baseDir = abs
	return &manifest, nil
}

// ImageNames returns the manifest's image names in stable order.
func (m *Manifest) ImageNames() []string {
	names := make([]string, 0, len(m.Images))
	for name := range m.Images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec produces the validated BuildSpec of a named image, with the defaults
// block merged in and secret values expanded from the environment.
func (m *Manifest) Spec(name string) (*BuildSpec, error) {
	cfg, ok := m.Images[name]
	if !ok {
		return nil, xerrors.Errorf("manifest defines no image %q", name)
	}
	if err := mergo.Merge(&cfg, m.Defaults); err != nil {
		return nil, xerrors.Errorf("cannot apply defaults to image %s: %w", name, err)
	}

	versioning, err := cfg.Versioning.strategy(m.baseDir)
	if err != nil {
		return nil, xerrors.Errorf("image %s: %w", name, err)
	}
	source, err := cfg.Source.source(m.baseDir)
	if err != nil {
		return nil, xerrors.Errorf("image %s: %w", name, err)
	}

	var secrets SecretBundle
	if len(cfg.Secrets) > 0 {
		secrets = make(SecretBundle, len(cfg.Secrets))
		for k, v := range cfg.Secrets {
			secrets[k] = os.ExpandEnv(v)
		}
	}

	var remote *RemoteTarget
	if cfg.Remote != nil {
		remote = &RemoteTarget{
			ServiceAccount: cfg.Remote.ServiceAccount,
			ContextBucket:  cfg.Remote.ContextBucket,
			Project:        cfg.Remote.Project,
		}
	}

	spec := &BuildSpec{
		Registry:          cfg.Registry,
		Name:              name,
		Tags:              cfg.Tags,
		CacheFrom:         cfg.CacheFrom,
		Versioning:        versioning,
		Source:            source,
		BuildArgs:         cfg.BuildArgs,
		Dockerfile:        cfg.Dockerfile,
		Platform:          cfg.Platform,
		Secrets:           secrets,
		GrantUploadAccess: cfg.GrantUploadAccess,
		Remote:            remote,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// WatchPaths returns the filesystem roots the named images' sources live in.
func (m *Manifest) WatchPaths(names []string) []string {
	seen := make(map[string]struct{})
	var paths []string
	add := func(p string) {
		if p == "" {
			return
		}
		p = absFrom(m.baseDir, p)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}

	for _, name := range names {
		cfg, ok := m.Images[name]
		if !ok {
			continue
		}
		_ = mergo.Merge(&cfg, m.Defaults)
		add(cfg.Source.Path)
		if cfg.Source.WorkingCopy != "" {
			add(filepath.Join(cfg.Source.WorkingCopy, cfg.Source.Subpath))
		}
	}
	return paths
}

func absFrom(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
