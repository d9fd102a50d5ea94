// Package msgcat renders user-visible texts from a YAML catalog: an embedded
// English default plus optional override files.
package msgcat

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var defaultMessages []byte

// Catalog maps flattened dot keys ("otp.rate_limited") to compiled
// templates. It is immutable after New returns.
type Catalog struct {
	tpls map[string]*template.Template
}

// New loads the embedded defaults, then applies *.yaml / *.yml overrides
// from overrideDir in name order. A key may be overridden by one file only.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{tpls: make(map[string]*template.Template)}
	if err := c.load("embedded", defaultMessages, nil); err != nil {
		return nil, err
	}
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		if err := c.loadDir(dir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustDefault returns the embedded catalog and panics if it does not parse.
func MustDefault() *Catalog {
	c, err := New("")
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read message dir: %w", err)
	}
	owner := make(map[string]string)
	for _, e := range entries { // ReadDir is sorted by name
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
		default:
			continue
		}
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if err := c.load(e.Name(), raw, owner); err != nil {
			return err
		}
	}
	return nil
}

// load parses one YAML document and compiles every leaf. owner, when
// non-nil, records which file set each key so duplicates can be refused.
func (c *Catalog) load(name string, raw []byte, owner map[string]string) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	return walk(doc.Content[0], "", func(key, src string) error {
		if owner != nil {
			if prev, dup := owner[key]; dup {
				return fmt.Errorf("duplicate override key %q in %s and %s", key, prev, name)
			}
			owner[key] = name
		}
		t, err := template.New(key).Option("missingkey=error").Parse(src)
		if err != nil {
			return fmt.Errorf("%s: key %s: %w", name, key, err)
		}
		c.tpls[key] = t
		return nil
	})
}

func walk(n *yaml.Node, prefix string, leaf func(key, src string) error) error {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if prefix != "" {
				key = prefix + "." + key
			}
			if err := walk(n.Content[i+1], key, leaf); err != nil {
				return err
			}
		}
		return nil
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil
		}
		if n.Tag != "!!str" {
			return fmt.Errorf("key %s: expected string, got %s", prefix, n.Tag)
		}
		if prefix == "" {
			return fmt.Errorf("top-level string without a key")
		}
		return leaf(prefix, n.Value)
	default:
		return fmt.Errorf("key %s: unsupported yaml node", prefix)
	}
}

// Render executes the template stored under key with data.
func (c *Catalog) Render(key string, data any) (string, error) {
	t, ok := c.tpls[strings.TrimSpace(key)]
	if !ok {
		return "", fmt.Errorf("template not found: %s", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Text renders key and falls back to the key itself on any error.
func (c *Catalog) Text(key string, data any) string {
	if c == nil {
		return key
	}
	s, err := c.Render(key, data)
	if err != nil {
		return key
	}
	return s
}

// Keys lists every loaded key, sorted.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.tpls))
	for k := range c.tpls {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
