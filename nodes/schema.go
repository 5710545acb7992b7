package nodes

import (
	"sort"
	"strings"
)

const maxSchemaDepth = 5

// SchemaField describes one property of a card type's JSON schema.
type SchemaField struct {
	Name          string        `json:"name"`
	Title         string        `json:"title"`
	Type          string        `json:"type"`
	Path          string        `json:"path"`
	Description   string        `json:"description,omitempty"`
	Required      bool          `json:"required"`
	ArrayItemType string        `json:"array_item_type,omitempty"`
	Children      []SchemaField `json:"children,omitempty"`
}

// ParseSchemaFields walks the properties of a JSON schema, resolving local
// $defs references and optional (anyOf with null) types. Nested objects and
// arrays of objects yield children, up to a fixed depth. Properties are
// returned in name order.
func ParseSchemaFields(schema map[string]any) []SchemaField {
	defs, _ := schema["$defs"].(map[string]any)
	return parseFields(schema, defs, "$.content", maxSchemaDepth)
}

func parseFields(schema, defs map[string]any, path string, depth int) []SchemaField {
	if depth <= 0 {
		return nil
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	required := stringSet(schema["required"])

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var fields []SchemaField
	for _, name := range names {
		raw, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		resolved := resolveRef(raw, defs)
		f := SchemaField{
			Name:        name,
			Title:       stringOr(resolved["title"], name),
			Type:        stringOr(resolved["type"], "unknown"),
			Path:        path + "." + name,
			Description: stringOr(resolved["description"], ""),
			Required:    required[name],
		}

		if variants, ok := resolved["anyOf"].([]any); ok {
			for _, v := range variants {
				vm, ok := v.(map[string]any)
				if !ok || vm["type"] == "null" {
					continue
				}
				resolved = resolveRef(vm, defs)
				f.Type = stringOr(resolved["type"], "unknown")
				break
			}
		}

		switch f.Type {
		case "object":
			if _, ok := resolved["properties"]; ok {
				f.Children = parseFields(resolved, defs, f.Path, depth-1)
			}
		case "array":
			items, ok := resolved["items"].(map[string]any)
			if !ok {
				break
			}
			items = resolveRef(items, defs)
			if items["type"] == "object" {
				if _, ok := items["properties"]; ok {
					f.Children = parseFields(items, defs, f.Path+"[0]", depth-1)
					f.ArrayItemType = "object"
					break
				}
			}
			f.ArrayItemType = stringOr(items["type"], "unknown")
		}
		fields = append(fields, f)
	}
	return fields
}

// resolveRef follows a "#/$defs/<name>" reference, keeping the referencing
// schema's title and description.
func resolveRef(schema, defs map[string]any) map[string]any {
	ref, ok := schema["$ref"].(string)
	if !ok {
		return schema
	}
	name, found := strings.CutPrefix(ref, "#/$defs/")
	if !found {
		return schema
	}
	target, ok := defs[name].(map[string]any)
	if !ok {
		return schema
	}
	out := make(map[string]any, len(target)+2)
	for k, v := range target {
		out[k] = v
	}
	for _, k := range []string{"title", "description"} {
		if v, ok := schema[k]; ok {
			out[k] = v
		}
	}
	return out
}

func stringSet(v any) map[string]bool {
	out := make(map[string]bool)
	switch list := v.(type) {
	case []any:
		for _, x := range list {
			if s, ok := x.(string); ok {
				out[s] = true
			}
		}
	case []string:
		for _, s := range list {
			out[s] = true
		}
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
