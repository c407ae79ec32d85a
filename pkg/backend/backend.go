// Package backend computes the on-disk layout of a knowledge base
// segment. Every file the storage layer opens is named from a (kb,
// segment, label) triple under a configured base directory.
package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

// Config describes where a knowledge base keeps its files.
type Config struct {
	// BasePath is the directory holding all knowledge bases
	BasePath string `yaml:"base_path" validate:"required"`
	// KBName is the knowledge base name; it becomes a directory component
	KBName string `yaml:"kb_name" validate:"required,excludesall=/"`
	// Segments is the number of storage segments the kb is split into
	Segments int `yaml:"segments" validate:"required,min=1,max=1024"`
}

var validate = validator.New()

// LoadConfig parses and validates a YAML backend configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, storage.NewFileError("read config", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, storage.NewFileError("parse config", path, err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid backend config %s: %w", path, err)
	}
	return &cfg, nil
}

// Backend resolves file paths for one knowledge base.
type Backend struct {
	cfg Config
}

// New creates a backend over a validated configuration.
func New(cfg Config) (*Backend, error) {
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}
	return &Backend{cfg: cfg}, nil
}

// KBName returns the knowledge base name.
func (b *Backend) KBName() string {
	return b.cfg.KBName
}

// Segments returns the configured segment count.
func (b *Backend) Segments() int {
	return b.cfg.Segments
}

// segmentDir is the directory holding one segment's files.
func (b *Backend) segmentDir(segment int) string {
	return filepath.Join(b.cfg.BasePath, b.cfg.KBName, fmt.Sprintf("%04d", segment))
}

// EnsureSegment creates the directory for a segment.
func (b *Backend) EnsureSegment(segment int) error {
	return os.MkdirAll(b.segmentDir(segment), 0755)
}

// ListPath names a list file.
func (b *Backend) ListPath(segment int, label string) string {
	return filepath.Join(b.segmentDir(segment), label+".list")
}

// MHashPath names a model hash file.
func (b *Backend) MHashPath(segment int, label string) string {
	return filepath.Join(b.segmentDir(segment), label+".mhash")
}

// RHashPath names a resource hash file. The hash's lex and prefix files
// derive from this path.
func (b *Backend) RHashPath(segment int, label string) string {
	return filepath.Join(b.segmentDir(segment), label+".rhash")
}
