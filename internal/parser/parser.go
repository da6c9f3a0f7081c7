// Package parser turns workflow sources into validated schema.Workflow values.
package parser

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/openweavr/weavr/pkg/schema"
)

//go:embed schema.json
var workflowSchemaJSON []byte

const workflowSchemaURL = "weavr://workflow.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func workflowSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(workflowSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse workflow schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(workflowSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add workflow schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(workflowSchemaURL)
	})
	return compiledSchema, schemaErr
}

// Parse decodes and validates a workflow source. YAML and JSON are both
// accepted. Registry membership of actions and triggers is not checked.
func Parse(src []byte) (*schema.Workflow, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, schema.NewError(schema.ErrCodeParse, "workflow source is empty")
	}

	var raw any
	if err := yaml.Unmarshal(src, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "decode workflow: %v", err).WithCause(err)
	}
	if err := validateShape(raw); err != nil {
		return nil, err
	}

	var wf schema.Workflow
	if err := yaml.Unmarshal(src, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "decode workflow: %v", err).WithCause(err)
	}
	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ParseReader is Parse over an io.Reader.
func ParseReader(r io.Reader) (*schema.Workflow, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(src)
}

// Validate applies the structural rules to an already-decoded workflow:
// name, at least one step, unique ids, known dependencies, no cycles and a
// trigger type when a trigger is present.
func Validate(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeParse, "workflow is nil")
	}
	if strings.TrimSpace(wf.Name) == "" {
		return schema.NewError(schema.ErrCodeParse, "workflow name is required")
	}
	if len(wf.Steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeParse, "workflow %s has no steps", wf.Name)
	}

	ids := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		if step.ID == "" {
			return schema.NewErrorf(schema.ErrCodeParse, "step at index %d has empty id", i)
		}
		if ids[step.ID] {
			return schema.NewErrorf(schema.ErrCodeParse, "duplicate step id: %s", step.ID).WithStep(step.ID)
		}
		ids[step.ID] = true
	}

	for _, step := range wf.Steps {
		for _, dep := range step.Needs {
			if !ids[dep] {
				return schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"step %s needs unknown step %s", step.ID, dep).
					WithStep(step.ID).
					WithDetails(map[string]any{"dependency": dep})
			}
		}
	}

	if _, err := BuildGraph(wf); err != nil {
		return err
	}

	if wf.Trigger != nil && strings.TrimSpace(wf.Trigger.Type) == "" {
		return schema.NewError(schema.ErrCodeParse, "trigger type is required when a trigger is present")
	}
	return nil
}

func validateShape(raw any) error {
	if raw == nil {
		return schema.NewError(schema.ErrCodeParse, "workflow source is empty")
	}
	sch, err := workflowSchema()
	if err != nil {
		return schema.NewError(schema.ErrCodeParse, err.Error()).WithCause(err)
	}

	// Round-trip through JSON so numbers arrive as json.Number and maps
	// with non-string keys are rejected.
	b, err := json.Marshal(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeParse, "workflow is not a JSON-compatible document: %v", err).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeParse, "decode workflow: %v", err).WithCause(err)
	}

	if err := sch.Validate(doc); err != nil {
		return toParseError(err)
	}
	return nil
}

func toParseError(err error) *schema.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeParse, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeParse, "invalid workflow: "+violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeParse, "invalid workflow: %d violations", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		return []string{fmt.Sprintf("/%s: %s", strings.Join(verr.InstanceLocation, "/"), verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
