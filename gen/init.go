package gen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jocax/qollective/errors"
)

// Template names a starter schema layout.
type Template string

// Supported templates.
const (
	TemplateMinimal  Template = "minimal"
	TemplateFull     Template = "full"
	TemplateExamples Template = "examples"
)

// ParseTemplate validates a template flag value.
func ParseTemplate(s string) (Template, error) {
	switch Template(s) {
	case TemplateMinimal, TemplateFull, TemplateExamples:
		return Template(s), nil
	default:
		return "", errors.New(errors.KindValidation, "gen", "ParseTemplate",
			fmt.Sprintf("unknown template %q, want minimal, full or examples", s))
	}
}

const minimalTemplate = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "%s",
  "description": "Payload types for the %s service.",
  "type": "object",
  "properties": {
    "id": { "type": "string", "description": "Unique identifier." }
  },
  "required": ["id"]
}
`

const fullTemplate = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "%s",
  "description": "Payload types for the %s service.",
  "type": "object",
  "properties": {
    "id": { "type": "string", "description": "Unique identifier." },
    "status": { "$ref": "#/definitions/Status" },
    "tags": { "type": "array", "items": { "type": "string" }, "description": "Free-form labels." }
  },
  "required": ["id", "status"],
  "definitions": {
    "Status": {
      "description": "Lifecycle state of the record.",
      "enum": ["active", "archived", "deleted"]
    },
    "AuditEntry": {
      "description": "One change applied to the record.",
      "type": "object",
      "properties": {
        "actor": { "type": "string", "description": "Who made the change." },
        "at": { "type": "string", "format": "date-time", "description": "When the change happened." }
      },
      "required": ["actor", "at"]
    }
  }
}
`

const exampleRequestTemplate = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "%sRequest",
  "description": "Request payload for %s operations.",
  "type": "object",
  "properties": {
    "query": { "type": "string", "description": "What to look up." },
    "limit": { "type": "integer", "description": "Maximum results." }
  },
  "required": ["query"]
}
`

const exampleResponseTemplate = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "%sResponse",
  "description": "Response payload for %s operations.",
  "type": "object",
  "properties": {
    "results": { "type": "array", "items": { "type": "string" }, "description": "Matched records." },
    "total": { "type": "integer", "description": "Total matches before the limit." }
  },
  "required": ["results", "total"]
}
`

// InitProject writes starter schema files for a new project into dir.
// Existing files are only overwritten when force is set.
func InitProject(dir, name string, template Template, force bool) ([]string, error) {
	if name == "" {
		return nil, errors.New(errors.KindValidation, "gen", "InitProject", "project name is required")
	}

	type file struct {
		path    string
		content string
	}
	var files []file
	switch template {
	case TemplateMinimal:
		files = []file{{name + ".schema.json", fmt.Sprintf(minimalTemplate, rustTypeName(name), name)}}
	case TemplateFull:
		files = []file{{name + ".schema.json", fmt.Sprintf(fullTemplate, rustTypeName(name), name)}}
	case TemplateExamples:
		files = []file{
			{name + "_request.schema.json", fmt.Sprintf(exampleRequestTemplate, rustTypeName(name), name)},
			{name + "_response.schema.json", fmt.Sprintf(exampleResponseTemplate, rustTypeName(name), name)},
		}
	default:
		return nil, errors.New(errors.KindValidation, "gen", "InitProject",
			fmt.Sprintf("unknown template %q", template))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "gen", "InitProject",
			fmt.Sprintf("create %s", dir))
	}

	written := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.path)
		if !force {
			if _, err := os.Stat(path); err == nil {
				return nil, errors.New(errors.KindValidation, "gen", "InitProject",
					fmt.Sprintf("%s exists, use --force to overwrite", path))
			}
		}
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "gen", "InitProject",
				fmt.Sprintf("write %s", path))
		}
		written = append(written, path)
	}
	return written, nil
}

// WriteFiles materializes emitted files under the output directory.
// Existing files are only overwritten when force is set.
func WriteFiles(dir string, files []RustFile, force bool) error {
	for _, f := range files {
		path := filepath.Join(dir, f.Path)
		if !force {
			if _, err := os.Stat(path); err == nil {
				return errors.New(errors.KindValidation, "gen", "WriteFiles",
					fmt.Sprintf("%s exists, use --force to overwrite", path))
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, errors.KindConfig, "gen", "WriteFiles",
				fmt.Sprintf("create %s", filepath.Dir(path)))
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return errors.Wrap(err, errors.KindConfig, "gen", "WriteFiles",
				fmt.Sprintf("write %s", path))
		}
	}
	return nil
}
