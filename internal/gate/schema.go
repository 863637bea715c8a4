package gate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// diagramSchemaJSON constrains diagram payloads before gating. Node and edge
// ids must be non-empty; unknown node types are allowed here and ignored by
// the gate itself.
const diagramSchemaJSON = `{
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "label": {"type": "string"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "id": {"type": "string"},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var diagramSchema = mustCompileDiagramSchema()

func mustCompileDiagramSchema() *jsonschema.Schema {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(diagramSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal diagram schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("diagram.json", doc); err != nil {
		panic(fmt.Sprintf("add diagram schema resource: %v", err))
	}
	sch, err := c.Compile("diagram.json")
	if err != nil {
		panic(fmt.Sprintf("compile diagram schema: %v", err))
	}
	return sch
}

// ParseDiagram validates and decodes a raw diagram payload. A missing or
// invalid payload yields nil; the gate treats that as "no diagram" and falls
// back to the default tool set rather than failing the request.
func ParseDiagram(raw json.RawMessage, logger *slog.Logger) *Diagram {
	if logger == nil {
		logger = slog.Default()
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		logger.Warn("diagram payload is not valid JSON, ignoring", "error", err)
		return nil
	}
	if err := diagramSchema.Validate(parsed); err != nil {
		logger.Warn("diagram payload failed schema validation, ignoring", "error", err)
		return nil
	}

	var d Diagram
	if err := json.Unmarshal(raw, &d); err != nil {
		logger.Warn("diagram decode failed, ignoring", "error", err)
		return nil
	}
	return &d
}
