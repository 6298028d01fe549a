package script

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/adbfleet/adbfleet/internal/device"
)

// Meta describes one automation script discovered in the catalog
// directory. The coordinator treats the script body as an opaque
// executable; only this metadata is inspected.
type Meta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"-"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	Recommend   bool   `json:"recommend"`
}

// Catalog is a read-only script collection keyed by id (the filename
// without extension). An optional .ignore file in the directory holds
// glob patterns for files to skip.
type Catalog struct {
	mu          sync.RWMutex
	dir         string
	interpreter string
	scripts     map[string]Meta
}

// headerScanLimit bounds how far into a script file metadata comments are
// looked for.
const headerScanLimit = 40

func NewCatalog(dir, interpreter string) (*Catalog, error) {
	if dir == "" {
		return nil, errors.New("empty scripts directory")
	}
	if interpreter == "" {
		interpreter = "python3"
	}
	c := &Catalog{dir: dir, interpreter: interpreter, scripts: make(map[string]Meta)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rescans the directory. Existing ids not found again are dropped;
// running executions keep their argv and are unaffected.
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read scripts dir: %w", err)
	}
	exclude := loadExcludePatterns(filepath.Join(c.dir, ".ignore"))

	scripts := make(map[string]Meta)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || excluded(exclude, name) {
			continue
		}
		full := filepath.Join(c.dir, name)
		meta := parseMeta(full, name)
		scripts[meta.ID] = meta
	}

	c.mu.Lock()
	c.scripts = scripts
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Get(id string) (Meta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.scripts[id]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s", device.ErrScriptNotFound, id)
	}
	return m, nil
}

// List returns all scripts ordered by the order hint, then id.
func (c *Catalog) List() []Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Meta, 0, len(c.scripts))
	for _, m := range c.scripts {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Argv builds the command line launching the script against a device. The
// options payload is passed through as a single serialized argument.
func (c *Catalog) Argv(m Meta, serial, optionsJSON string) []string {
	argv := []string{c.interpreter, m.Path, serial}
	if optionsJSON != "" {
		argv = append(argv, optionsJSON)
	}
	return argv
}

// parseMeta reads metadata comment lines from the file header. Recognized
// keys (comment prefix "#"): name, description, order, recommend. A
// numeric filename prefix like "01." is the order fallback.
func parseMeta(full, filename string) Meta {
	id := strings.TrimSuffix(filename, filepath.Ext(filename))
	m := Meta{ID: id, Name: prettify(id), Path: full, Order: orderFromPrefix(id)}

	f, err := os.Open(full)
	if err != nil {
		return m
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for i := 0; i < headerScanLimit && sc.Scan(); i++ {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "#"))
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			if value != "" {
				m.Name = value
			}
		case "description":
			m.Description = value
		case "order":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				m.Order = n
			}
		case "recommend":
			m.Recommend = parseBool(value)
		}
	}
	return m
}

func orderFromPrefix(id string) int {
	num, _, ok := strings.Cut(id, ".")
	if !ok {
		return 0
	}
	if n, err := strconv.Atoi(num); err == nil && n >= 0 {
		return n
	}
	return 0
}

func prettify(id string) string {
	s := id
	if _, rest, ok := strings.Cut(s, "."); ok {
		s = rest
	}
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.TrimSpace(s)
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "y", "true", "1":
		return true
	}
	return false
}

func loadExcludePatterns(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func excluded(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
