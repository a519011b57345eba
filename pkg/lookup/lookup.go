// Package lookup resolves workflow identifiers to parsed workflow
// definitions. Backends are pluggable; the filesystem backend is the default.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/loomworks/loom/pkg/models"
)

// ErrNotFound signals an identifier no definition exists for.
var ErrNotFound = errors.New("workflow not found")

// Lookup resolves a workflow identifier to its current definition. Resolved
// definitions are immutable; callers must not mutate them.
type Lookup interface {
	Resolve(ctx context.Context, id string) (*models.Workflow, error)
	Invalidate(id string)
	Close(ctx context.Context) error
}

// definitionSchema gates raw documents before decoding so malformed input
// fails with the offending element named instead of a decode error.
const definitionSchema = `{
	"type": "object",
	"required": ["nodes"],
	"properties": {
		"id":   {"type": "string"},
		"name": {"type": "string"},
		"nodes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "kind"],
				"properties": {
					"id":              {"type": "string", "minLength": 1},
					"kind":            {"type": "string", "minLength": 1},
					"input":           {"type": "object"},
					"timeout_seconds": {"type": "integer", "minimum": 0},
					"retry": {
						"type": "object",
						"properties": {
							"max_attempts":    {"type": "integer", "minimum": 1},
							"initial_seconds": {"type": "number", "minimum": 0},
							"multiplier":      {"type": "number", "minimum": 1}
						}
					}
				}
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["from", "to"],
				"properties": {
					"from":      {"type": "string", "minLength": 1},
					"to":        {"type": "string", "minLength": 1},
					"condition": {"type": "string"}
				}
			}
		}
	}
}`

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseDefinition decodes and validates a raw definition document. Any fault
// surfaces as models.ErrInvalidDefinition with the offending node or edge
// identified.
func ParseDefinition(id string, data []byte) (*models.Workflow, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, &models.InvalidDefinitionError{WorkflowID: id, Reason: "not a JSON document: " + err.Error()}
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return nil, &models.InvalidDefinitionError{
			WorkflowID: id,
			Element:    first.Field(),
			Reason:     first.Description(),
		}
	}

	var workflow models.Workflow

	err = json.Unmarshal(data, &workflow)
	if err != nil {
		return nil, &models.InvalidDefinitionError{WorkflowID: id, Reason: "failed to decode: " + err.Error()}
	}

	if workflow.ID == "" {
		workflow.ID = id
	}

	if workflow.ID != id {
		return nil, &models.InvalidDefinitionError{
			WorkflowID: id,
			Reason:     fmt.Sprintf("definition declares id %q", workflow.ID),
		}
	}

	err = validate.Struct(&workflow)
	if err != nil {
		return nil, &models.InvalidDefinitionError{WorkflowID: id, Reason: "failed validation: " + err.Error()}
	}

	err = workflow.ValidateGraph()
	if err != nil {
		return nil, err
	}

	return &workflow, nil
}
