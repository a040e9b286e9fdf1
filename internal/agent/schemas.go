package agent

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conduit-ai/conduit/pkg/models"
)

// taskSchemas holds the JSON Schema for each task type's context. Dispatch
// is a closed table: a task type without a schema here is rejected outright.
var taskSchemas = map[models.TaskType]string{
	models.TaskAnalysis: `{
		"type": "object",
		"properties": {
			"input":  {"type": "string", "minLength": 1},
			"focus":  {"type": "string"}
		},
		"required": ["input"],
		"additionalProperties": true
	}`,
	models.TaskGeneration: `{
		"type": "object",
		"properties": {
			"prompt":     {"type": "string", "minLength": 1},
			"max_tokens": {"type": "integer", "minimum": 1}
		},
		"required": ["prompt"],
		"additionalProperties": true
	}`,
	models.TaskReview: `{
		"type": "object",
		"properties": {
			"content":  {"type": "string", "minLength": 1},
			"criteria": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["content"],
		"additionalProperties": true
	}`,
	models.TaskConversion: `{
		"type": "object",
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"from":    {"type": "string", "minLength": 1},
			"to":      {"type": "string", "minLength": 1}
		},
		"required": ["content", "to"],
		"additionalProperties": true
	}`,
}

// compileSchemas builds the validator table once at runtime construction.
func compileSchemas() (map[models.TaskType]*jsonschema.Schema, error) {
	out := make(map[models.TaskType]*jsonschema.Schema, len(taskSchemas))
	for taskType, src := range taskSchemas {
		schema, err := jsonschema.CompileString(string(taskType)+".json", src)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", taskType, err)
		}
		out[taskType] = schema
	}
	return out, nil
}
