// Package gen turns JSON Schema documents into Rust type definitions
// for services that consume envelope payloads outside of Go. The
// package is the library behind the qollective-gen command.
package gen

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jocax/qollective/errors"
)

// Property is one field of an object definition.
type Property struct {
	Type                 string              `json:"type,omitempty"`
	Format               string              `json:"format,omitempty"`
	Description          string              `json:"description,omitempty"`
	Ref                  string              `json:"$ref,omitempty"`
	Items                *Property           `json:"items,omitempty"`
	Enum                 []string            `json:"enum,omitempty"`
	Properties           map[string]Property `json:"properties,omitempty"`
	Required             []string            `json:"required,omitempty"`
	AdditionalProperties json.RawMessage     `json:"additionalProperties,omitempty"`
}

// Definition is a named type in the schema.
type Definition struct {
	Type        string              `json:"type,omitempty"`
	Description string              `json:"description,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
	Enum        []string            `json:"enum,omitempty"`
}

// Schema is the subset of JSON Schema the generator understands.
type Schema struct {
	Title       string                `json:"title,omitempty"`
	Description string                `json:"description,omitempty"`
	Type        string                `json:"type,omitempty"`
	Properties  map[string]Property   `json:"properties,omitempty"`
	Required    []string              `json:"required,omitempty"`
	Definitions map[string]Definition `json:"definitions,omitempty"`
	Defs        map[string]Definition `json:"$defs,omitempty"`
}

// AllDefinitions merges "definitions" and "$defs", the latter winning
// on name collisions.
func (s *Schema) AllDefinitions() map[string]Definition {
	defs := make(map[string]Definition, len(s.Definitions)+len(s.Defs))
	for name, def := range s.Definitions {
		defs[name] = def
	}
	for name, def := range s.Defs {
		defs[name] = def
	}
	return defs
}

// DefinitionNames returns the merged definition names, sorted.
func (s *Schema) DefinitionNames() []string {
	defs := s.AllDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads and compiles a schema file. Compilation through the JSON
// Schema validator catches structural problems beyond JSON syntax.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "gen", "Load",
			fmt.Sprintf("read %s", path))
	}
	return Parse(data)
}

// Parse compiles raw schema bytes.
func Parse(data []byte) (*Schema, error) {
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data)); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "gen", "Parse",
			"schema does not compile")
	}

	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "gen", "Parse",
			"schema is not valid JSON")
	}
	return &schema, nil
}

// LintFinding is one advisory issue in an otherwise valid schema.
type LintFinding struct {
	Path    string
	Message string
}

func (f LintFinding) String() string {
	return f.Path + ": " + f.Message
}

// Lint reports advisory issues: missing titles and descriptions,
// untyped properties, required names that do not exist.
func (s *Schema) Lint() []LintFinding {
	var findings []LintFinding

	if s.Title == "" {
		findings = append(findings, LintFinding{Path: "$", Message: "schema has no title"})
	}
	if s.Description == "" {
		findings = append(findings, LintFinding{Path: "$", Message: "schema has no description"})
	}

	findings = append(findings, lintObject("$", s.Properties, s.Required)...)
	for _, name := range s.DefinitionNames() {
		def := s.AllDefinitions()[name]
		path := "$." + name
		if def.Description == "" {
			findings = append(findings, LintFinding{Path: path, Message: "definition has no description"})
		}
		findings = append(findings, lintObject(path, def.Properties, def.Required)...)
	}
	return findings
}

func lintObject(path string, props map[string]Property, required []string) []LintFinding {
	var findings []LintFinding

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := props[name]
		if prop.Type == "" && prop.Ref == "" && len(prop.Enum) == 0 {
			findings = append(findings, LintFinding{
				Path:    path + "." + name,
				Message: "property has neither type, $ref nor enum",
			})
		}
	}
	for _, name := range required {
		if _, ok := props[name]; !ok {
			findings = append(findings, LintFinding{
				Path:    path,
				Message: fmt.Sprintf("required property %q is not declared", name),
			})
		}
	}
	return findings
}

// RefName resolves a local $ref to its definition name, or "" for
// external references.
func RefName(ref string) string {
	for _, prefix := range []string{"#/definitions/", "#/$defs/"} {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix)
		}
	}
	return ""
}
