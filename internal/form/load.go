// Package form loads form definitions from YAML or JSON and checks them before publication.
package form

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Parse decodes a form document. YAML and JSON are both accepted.
// Fields and graph nodes default to required when the key is absent.
func Parse(data []byte) (*models.FormDefinition, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse form document: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("form document is empty")
	}
	return Decode(raw)
}

// Decode builds a form from an already-unmarshaled document.
func Decode(raw map[string]interface{}) (*models.FormDefinition, error) {
	applyRequiredDefaults(raw["fields"])
	if graph, ok := raw["graph"].(map[string]interface{}); ok {
		applyRequiredDefaults(graph["nodes"])
	}

	var def models.FormDefinition
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &def,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create form decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode form: %w", err)
	}
	if def.ID == "" {
		def.ID = def.Slug
	}
	if def.Status == "" {
		def.Status = models.FormStatusDraft
	}
	return &def, nil
}

func applyRequiredDefaults(list interface{}) {
	items, ok := list.([]interface{})
	if !ok {
		return
	}
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			if _, set := m["required"]; !set {
				m["required"] = true
			}
		}
	}
}

// LoadFile reads and parses a single form file.
func LoadFile(path string) (*models.FormDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read form file %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Slug == "" {
		def.Slug = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if def.ID == "" {
			def.ID = def.Slug
		}
	}
	return def, nil
}

// LoadDir loads every .yaml, .yml and .json file in dir, sorted by file name.
func LoadDir(dir string) ([]*models.FormDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read forms directory %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	forms := make([]*models.FormDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		slog.Debug("form.LoadDir: loaded form", "file", name, "slug", def.Slug, "shape", def.Shape())
		forms = append(forms, def)
	}
	return forms, nil
}
