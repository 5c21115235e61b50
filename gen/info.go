package gen

import "sort"

// Stats summarizes a schema.
type Stats struct {
	Definitions    int
	Enums          int
	Properties     int
	RequiredFields int
}

// Info describes a schema for the info command.
type Info struct {
	Title        string
	Description  string
	Stats        Stats
	Dependencies map[string][]string // definition -> referenced definitions
}

// Inspect gathers stats and the $ref dependency graph.
func Inspect(schema *Schema) *Info {
	info := &Info{
		Title:        schema.Title,
		Description:  schema.Description,
		Dependencies: make(map[string][]string),
	}

	defs := schema.AllDefinitions()
	for name, def := range defs {
		info.Stats.Definitions++
		if len(def.Enum) > 0 {
			info.Stats.Enums++
		}
		info.Stats.Properties += len(def.Properties)
		info.Stats.RequiredFields += len(def.Required)

		refs := collectRefs(def.Properties)
		if len(refs) > 0 {
			info.Dependencies[name] = refs
		}
	}

	info.Stats.Properties += len(schema.Properties)
	info.Stats.RequiredFields += len(schema.Required)
	if refs := collectRefs(schema.Properties); refs != nil {
		info.Dependencies["$"] = refs
	}
	return info
}

func collectRefs(props map[string]Property) []string {
	seen := make(map[string]bool)
	var walk func(p Property)
	walk = func(p Property) {
		if name := RefName(p.Ref); name != "" {
			seen[name] = true
		}
		if p.Items != nil {
			walk(*p.Items)
		}
		for _, nested := range p.Properties {
			walk(nested)
		}
	}
	for _, prop := range props {
		walk(prop)
	}

	if len(seen) == 0 {
		return nil
	}
	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs
}
