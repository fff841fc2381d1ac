package problem

import (
	"crypto/rand"
	"embed"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

//go:embed problems.yaml
var defaultFiles embed.FS

// Catalog serves problems from the embedded defaults plus an optional
// override directory of extra YAML files.
type Catalog struct {
	mu       sync.RWMutex
	problems map[string]*Problem
}

type catalogFile struct {
	Problems []*Problem `yaml:"problems"`
}

// NewCatalog loads the embedded problem set and then merges every
// *.yaml/*.yml file found in overrideDir, if given. Overrides with an
// id already present replace the embedded problem.
func NewCatalog(overrideDir string) (*Catalog, error) {
	c := &Catalog{problems: make(map[string]*Problem)}
	raw, err := fs.ReadFile(defaultFiles, "problems.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded problems: %w", err)
	}
	if err := c.applyYAML(raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := c.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) applyYAML(raw []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range f.Problems {
		if p == nil || strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("problem entry missing id")
		}
		c.problems[p.ID] = p
	}
	return nil
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read problem dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := c.applyYAML(b); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return nil
}

// Get returns the problem by id, or nil when unknown.
func (c *Catalog) Get(id string) *Problem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.problems[id]
}

// All returns every problem, ordered by id.
func (c *Catalog) All() []*Problem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Problem, 0, len(c.problems))
	for _, p := range c.problems {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PickByDifficulty selects a random problem of the given difficulty.
func (c *Catalog) PickByDifficulty(difficulty string) (*Problem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var candidates []*Problem
	for _, p := range c.problems {
		if strings.EqualFold(p.Difficulty, difficulty) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no problems with difficulty %q", difficulty)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return nil, err
	}
	return candidates[n.Int64()], nil
}
