package gen

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/jocax/qollective/errors"
)

// Format selects the emitted file layout.
type Format string

// Supported output formats.
const (
	FormatModule     Format = "module"      // mod.rs plus one file per type
	FormatCrate      Format = "crate"       // full crate with Cargo.toml
	FormatSingleFile Format = "single-file" // everything in types.rs
)

// ParseFormat validates a format flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatModule, FormatCrate, FormatSingleFile:
		return Format(s), nil
	default:
		return "", errors.New(errors.KindValidation, "gen", "ParseFormat",
			fmt.Sprintf("unknown format %q, want module, crate or single-file", s))
	}
}

// RustFile is one emitted file, path relative to the output directory.
type RustFile struct {
	Path    string
	Content string
}

// EmitRust renders the schema as Rust types with serde derives. The
// returned files depend on the format; the caller writes them out.
func EmitRust(schema *Schema, format Format) ([]RustFile, error) {
	defs := schema.AllDefinitions()
	names := schema.DefinitionNames()

	// The schema root is itself a type when it declares properties.
	rootName := rustTypeName(schema.Title)
	if rootName == "" {
		rootName = "Root"
	}
	if len(schema.Properties) > 0 {
		if _, taken := defs[rootName]; !taken {
			defs[rootName] = Definition{
				Type:        schema.Type,
				Description: schema.Description,
				Properties:  schema.Properties,
				Required:    schema.Required,
			}
			names = append(names, rootName)
			sort.Strings(names)
		}
	}

	if len(names) == 0 {
		return nil, errors.New(errors.KindValidation, "gen", "EmitRust",
			"schema declares no object or enum types to generate")
	}

	bodies := make(map[string]string, len(names))
	for _, name := range names {
		body, err := emitDefinition(name, defs[name])
		if err != nil {
			return nil, err
		}
		bodies[name] = body
	}

	switch format {
	case FormatSingleFile:
		var b strings.Builder
		b.WriteString(fileHeader(schema))
		for _, name := range names {
			b.WriteString(bodies[name])
			b.WriteString("\n")
		}
		return []RustFile{{Path: "types.rs", Content: b.String()}}, nil

	case FormatModule:
		files := make([]RustFile, 0, len(names)+1)
		var mod strings.Builder
		mod.WriteString(fileHeader(schema))
		for _, name := range names {
			module := rustModuleName(name)
			mod.WriteString(fmt.Sprintf("pub mod %s;\npub use %s::%s;\n", module, module, rustTypeName(name)))
			files = append(files, RustFile{
				Path:    module + ".rs",
				Content: fileHeader(schema) + bodies[name],
			})
		}
		return append([]RustFile{{Path: "mod.rs", Content: mod.String()}}, files...), nil

	case FormatCrate:
		crate := rustModuleName(schema.Title)
		if crate == "" {
			crate = "generated_types"
		}
		var lib strings.Builder
		lib.WriteString(fileHeader(schema))
		for _, name := range names {
			lib.WriteString(bodies[name])
			lib.WriteString("\n")
		}
		cargo := fmt.Sprintf(`[package]
name = "%s"
version = "0.1.0"
edition = "2021"

[dependencies]
serde = { version = "1", features = ["derive"] }
serde_json = "1"
`, crate)
		return []RustFile{
			{Path: "Cargo.toml", Content: cargo},
			{Path: "src/lib.rs", Content: lib.String()},
		}, nil

	default:
		return nil, errors.New(errors.KindValidation, "gen", "EmitRust",
			fmt.Sprintf("unknown format %q", format))
	}
}

func fileHeader(schema *Schema) string {
	title := schema.Title
	if title == "" {
		title = "schema"
	}
	return fmt.Sprintf(`// Generated from the %s JSON Schema. Do not edit by hand.

use serde::{Deserialize, Serialize};
use std::collections::HashMap;

`, title)
}

func emitDefinition(name string, def Definition) (string, error) {
	if len(def.Enum) > 0 {
		return emitEnum(name, def), nil
	}
	return emitStruct(name, def)
}

func emitEnum(name string, def Definition) string {
	var b strings.Builder
	if def.Description != "" {
		b.WriteString("/// " + def.Description + "\n")
	}
	b.WriteString("#[derive(Debug, Clone, PartialEq, Serialize, Deserialize)]\n")
	b.WriteString(fmt.Sprintf("pub enum %s {\n", rustTypeName(name)))
	for _, value := range def.Enum {
		b.WriteString(fmt.Sprintf("    #[serde(rename = %q)]\n    %s,\n", value, rustTypeName(value)))
	}
	b.WriteString("}\n")
	return b.String()
}

func emitStruct(name string, def Definition) (string, error) {
	required := make(map[string]bool, len(def.Required))
	for _, r := range def.Required {
		required[r] = true
	}

	fields := make([]string, 0, len(def.Properties))
	for field := range def.Properties {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	if def.Description != "" {
		b.WriteString("/// " + def.Description + "\n")
	}
	b.WriteString("#[derive(Debug, Clone, Serialize, Deserialize)]\n")
	b.WriteString("#[serde(rename_all = \"camelCase\")]\n")
	b.WriteString(fmt.Sprintf("pub struct %s {\n", rustTypeName(name)))

	for _, field := range fields {
		prop := def.Properties[field]
		rustType, err := rustType(prop)
		if err != nil {
			return "", errors.Wrap(err, errors.KindValidation, "gen", "EmitRust",
				fmt.Sprintf("%s.%s", name, field))
		}

		if prop.Description != "" {
			b.WriteString("    /// " + prop.Description + "\n")
		}
		if !required[field] {
			b.WriteString("    #[serde(skip_serializing_if = \"Option::is_none\")]\n")
			rustType = "Option<" + rustType + ">"
		}
		b.WriteString(fmt.Sprintf("    pub %s: %s,\n", rustFieldName(field), rustType))
	}
	b.WriteString("}\n")
	return b.String(), nil
}

func rustType(prop Property) (string, error) {
	if prop.Ref != "" {
		name := RefName(prop.Ref)
		if name == "" {
			return "", fmt.Errorf("external $ref %q is not supported", prop.Ref)
		}
		return rustTypeName(name), nil
	}
	if len(prop.Enum) > 0 {
		// Inline enums degrade to String; named enums come from
		// definitions.
		return "String", nil
	}

	switch prop.Type {
	case "string":
		return "String", nil
	case "integer":
		return "i64", nil
	case "number":
		return "f64", nil
	case "boolean":
		return "bool", nil
	case "array":
		if prop.Items == nil {
			return "Vec<serde_json::Value>", nil
		}
		item, err := rustType(*prop.Items)
		if err != nil {
			return "", err
		}
		return "Vec<" + item + ">", nil
	case "object":
		return "HashMap<String, serde_json::Value>", nil
	case "":
		return "serde_json::Value", nil
	default:
		return "", fmt.Errorf("unsupported type %q", prop.Type)
	}
}

// rustTypeName converts any identifier to PascalCase.
func rustTypeName(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.':
			upper = true
		case upper:
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// rustFieldName converts camelCase or kebab-case to snake_case,
// escaping Rust keywords.
func rustFieldName(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteRune('_')
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	name := b.String()
	switch name {
	case "type", "ref", "use", "mod", "fn", "impl", "self", "match", "move", "box":
		return "r#" + name
	}
	return name
}

// rustModuleName converts an identifier to a snake_case module name.
func rustModuleName(s string) string {
	return strings.TrimPrefix(rustFieldName(s), "r#")
}
