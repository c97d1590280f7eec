// ABOUTME: Tool descriptors as advertised by tool endpoints
// ABOUTME: Converts JSON input schemas into the function-calling parameter shape

package toolproto

import (
	"encoding/json"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Descriptor describes one remote tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func descriptorFromTool(t *mcp.Tool) Descriptor {
	return NewDescriptor(t.Name, t.Description, t.InputSchema)
}

// NewDescriptor builds a Descriptor from any JSON-encodable input schema.
// A schema that does not encode to a JSON object is dropped.
func NewDescriptor(name, description string, schema any) Descriptor {
	d := Descriptor{Name: name, Description: description}
	if schema == nil {
		return d
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return d
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil {
		d.InputSchema = m
	}
	return d
}

// FunctionParameters returns the schema in function-calling form:
// {"type":"object","properties":{k:{"type","description"}},"required":[...]}.
// A property without a description uses its title.
func (d Descriptor) FunctionParameters() map[string]any {
	properties := map[string]any{}
	required := []string{}

	if props, ok := d.InputSchema["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			prop, _ := props[name].(map[string]any)
			out := map[string]any{}
			if typ, ok := prop["type"]; ok {
				out["type"] = typ
			} else {
				out["type"] = "string"
			}
			if desc, ok := prop["description"].(string); ok && desc != "" {
				out["description"] = desc
			} else if title, ok := prop["title"].(string); ok && title != "" {
				out["description"] = title
			}
			if enum, ok := prop["enum"]; ok {
				out["enum"] = enum
			}
			if items, ok := prop["items"]; ok {
				out["items"] = items
			}
			properties[name] = out
		}
	}

	switch req := d.InputSchema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	case []string:
		required = append(required, req...)
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
