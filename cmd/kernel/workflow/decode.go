package workflow

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed workflow.schema.json
var schemaBytes []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// ValidationError reports a definition that failed wire-format validation
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", e.Reason)
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(schemaBytes, &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal embedded schema: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("workflow.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("workflow.schema.json")
	})
	return schema, schemaErr
}

// ParseDefinition validates raw JSON against the definition schema and
// decodes it. Unknown fields are ignored for forward compatibility with
// upstream editors.
func ParseDefinition(raw []byte) (*Definition, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}

	if err := sch.Validate(instance); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("decode: %v", err)}
	}

	def.Raw = append(json.RawMessage(nil), raw...)
	normalize(&def)
	return &def, nil
}

// normalize applies wire-format defaults in place
func normalize(def *Definition) {
	for i := range def.Edges {
		switch def.Edges[i].Kind {
		case EdgeDefault, EdgeConditional, EdgeLoopBody, EdgeLoopDone:
		default:
			// Unknown edge kinds from newer editors route as default
			def.Edges[i].Kind = EdgeDefault
		}
	}

	if def.Settings.ErrorPolicy == "" {
		def.Settings.ErrorPolicy = ErrorPolicyFailFast
	}

	for i := range def.Nodes {
		if def.Nodes[i].Data == nil {
			def.Nodes[i].Data = map[string]interface{}{}
		}
	}
}
