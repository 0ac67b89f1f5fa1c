package addon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifest file names tried in order; JSON parses as YAML
var manifestNames = []string{"addon.yaml", "addon.yml", "addon.json"}

type Manifest struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Version     string         `yaml:"version" json:"version"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Main        string         `yaml:"main" json:"main"`
	Class       string         `yaml:"class" json:"class"`
	Enabled     *bool          `yaml:"enabled" json:"enabled,omitempty"`
	Settings    map[string]any `yaml:"settings" json:"settings,omitempty"`

	Path string `yaml:"-" json:"-"`
}

func (m Manifest) DefaultEnabled() bool { return m.Enabled == nil || *m.Enabled }

func (m Manifest) validate() error {
	var missing []string
	if strings.TrimSpace(m.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(m.Main) == "" {
		missing = append(missing, "main")
	}
	if strings.TrimSpace(m.Class) == "" {
		missing = append(missing, "class")
	}
	if len(missing) > 0 {
		return fmt.Errorf("manifest missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ReadManifest parses one manifest file.
func ReadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	m.Path = path
	if m.Name == "" {
		m.Name = m.ID
	}
	return m, nil
}

// findManifest returns the manifest path inside an addon directory.
func findManifest(dir string) (string, bool) {
	for _, name := range manifestNames {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// scanDir lists manifest paths of every addon directory under root, in name order.
func scanDir(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if p, ok := findManifest(filepath.Join(root, e.Name())); ok {
			out = append(out, p)
		}
	}
	return out, nil
}
