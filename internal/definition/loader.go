// Package definition stores workflow definitions, validates them, and seeds
// them from YAML files at startup.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/recordflow/model"
)

// Seed is a workflow definition read from a YAML file.
type Seed struct {
	Name       string       `yaml:"name"`
	Steps      []model.Step `yaml:"steps"`
	SourceFile string       `yaml:"-"`
	Checksum   string       `yaml:"-"`
}

// Loader scans directories for YAML seed files.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Seed. Seeds are returned in path order.
func (l *Loader) LoadAll(directories []string) ([]Seed, error) {
	var seeds []Seed

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			seed, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			seeds = append(seeds, seed)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].SourceFile < seeds[j].SourceFile })
	return seeds, nil
}

// LoadFile parses a single YAML seed file and records its path and SHA-256
// checksum.
func (l *Loader) LoadFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if seed.Name == "" {
		return Seed{}, fmt.Errorf("parsing %s: name is required", path)
	}

	seed.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	seed.SourceFile = path
	return seed, nil
}
