package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tycoworks/tycostream-sub001/internal/schema"
)

// Catalog is the declarative source catalog: every materialized view
// tycostream exposes, keyed by source name.
type Catalog struct {
	Sources map[string]*schema.SourceDefinition
}

type catalogFile struct {
	Sources map[string]sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	PrimaryKey string        `yaml:"primary_key"`
	Columns    []columnEntry `yaml:"columns"`
}

type columnEntry struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// LoadCatalog reads and validates the YAML source catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse source catalog: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, fmt.Errorf("source catalog defines no sources")
	}

	catalog := &Catalog{Sources: make(map[string]*schema.SourceDefinition, len(file.Sources))}
	for name, entry := range file.Sources {
		def, err := buildSource(name, entry)
		if err != nil {
			return nil, err
		}
		catalog.Sources[name] = def
	}
	return catalog, nil
}

func buildSource(name string, entry sourceEntry) (*schema.SourceDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("source with empty name")
	}
	if entry.PrimaryKey == "" {
		return nil, fmt.Errorf("source %s: primary_key is required", name)
	}
	if len(entry.Columns) == 0 {
		return nil, fmt.Errorf("source %s: no columns defined", name)
	}

	def := &schema.SourceDefinition{
		Name:       name,
		PrimaryKey: entry.PrimaryKey,
		Columns:    make([]schema.Column, 0, len(entry.Columns)),
	}
	seen := make(map[string]bool, len(entry.Columns))
	for _, col := range entry.Columns {
		if col.Name == "" {
			return nil, fmt.Errorf("source %s: column with empty name", name)
		}
		if seen[col.Name] {
			return nil, fmt.Errorf("source %s: duplicate column %s", name, col.Name)
		}
		seen[col.Name] = true
		if !schema.Supported(col.Type) {
			return nil, fmt.Errorf("source %s: column %s has unsupported SQL type %q", name, col.Name, col.Type)
		}
		def.Columns = append(def.Columns, schema.Column{Name: col.Name, Type: col.Type})
	}

	if !seen[entry.PrimaryKey] {
		return nil, fmt.Errorf("source %s: primary key %s is not a declared column", name, entry.PrimaryKey)
	}
	if keyType := def.ColumnType(entry.PrimaryKey); !schema.KeySupported(keyType) {
		return nil, fmt.Errorf("source %s: primary key %s has SQL type %q which cannot be used as a key", name, entry.PrimaryKey, keyType)
	}
	return def, nil
}
