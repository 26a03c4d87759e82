package taskorch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const criteriaSchemaURL = "taskorch://schemas/criteria.json"

// criteriaSchema describes the accepted success-criteria document.
const criteriaSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["criterion"],
		"additionalProperties": false,
		"properties": {
			"criterion": {"type": "string", "minLength": 1},
			"measurable": {"type": ["string", "boolean"]}
		}
	}
}`

var (
	compiledCriteria     *jsonschema.Schema
	compiledCriteriaErr  error
	compiledCriteriaOnce sync.Once
)

func criteriaSchemaValidator() (*jsonschema.Schema, error) {
	compiledCriteriaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		err := compiler.AddResource(criteriaSchemaURL,
			strings.NewReader(criteriaSchema))
		if err != nil {
			compiledCriteriaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledCriteria, compiledCriteriaErr = compiler.Compile(
			criteriaSchemaURL)
	})
	return compiledCriteria, compiledCriteriaErr
}

// ParseCriteria decodes a JSON array of success criteria, validating it
// against the criteria schema. A boolean "measurable" is accepted and
// normalized to "true" or "false".
func ParseCriteria(data []byte) ([]Criterion, error) {
	schema, err := criteriaSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("compile criteria schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ErrValidation{
			Field: "success_criteria", Reason: "invalid JSON: " + err.Error(),
		}
	}

	if err := schema.Validate(doc); err != nil {
		return nil, &ErrValidation{
			Field: "success_criteria", Reason: schemaErrorMessage(err),
		}
	}

	var raw []struct {
		Criterion  string `json:"criterion"`
		Measurable any    `json:"measurable"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ErrValidation{
			Field: "success_criteria", Reason: err.Error(),
		}
	}

	criteria := make([]Criterion, 0, len(raw))
	for _, r := range raw {
		c := Criterion{Criterion: r.Criterion}
		switch m := r.Measurable.(type) {
		case string:
			c.Measurable = m
		case bool:
			c.Measurable = fmt.Sprintf("%t", m)
		}
		criteria = append(criteria, c)
	}
	return criteria, nil
}

// schemaErrorMessage returns the first leaf validation message.
func schemaErrorMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return ve.InstanceLocation + ": " + ve.Message
}
