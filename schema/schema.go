// Package schema describes provisioning request files with a JSON schema and validates them.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kairos-io/kairos-disk/provision"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	jsonschemago "github.com/swaggest/jsonschema-go"
	"gopkg.in/yaml.v3"
)

const (
	draft      = "http://json-schema.org/draft-07/schema#"
	resourceID = "request.json"
)

var (
	compiled    *jsonschema.Schema
	compileErr  error
	compileOnce sync.Once
)

// RequestSchema returns the JSON schema of provision.Request, generated from its tags
func RequestSchema() ([]byte, error) {
	reflector := jsonschemago.Reflector{}
	s, err := reflector.Reflect(provision.Request{}, jsonschemago.InlineRefs)
	if err != nil {
		return nil, err
	}
	s.WithSchema(draft)
	s.WithTitle("kairos-disk provisioning request")
	closed := false
	s.AdditionalProperties = &jsonschemago.SchemaOrBool{TypeBoolean: &closed}
	return json.MarshalIndent(s, "", "  ")
}

func compile() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var data []byte
		data, compileErr = RequestSchema()
		if compileErr != nil {
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if compileErr = compiler.AddResource(resourceID, bytes.NewReader(data)); compileErr != nil {
			return
		}
		compiled, compileErr = compiler.Compile(resourceID)
	})
	return compiled, compileErr
}

// ValidateRequest checks a YAML (or JSON) request document against the schema
func ValidateRequest(data []byte) error {
	sch, err := compile()
	if err != nil {
		return fmt.Errorf("compiling request schema: %w", err)
	}
	var doc interface{}
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}
	// Round trip through JSON so the validator gets the types it knows
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err = dec.Decode(&v); err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}
	if err = sch.Validate(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// LoadRequest reads, validates and decodes the request file at path
func LoadRequest(fs types.KairosFS, path string) (*provision.Request, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request file %s: %w", path, err)
	}
	if err = ValidateRequest(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	req := &provision.Request{}
	if err = yaml.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("decoding request file %s: %w", path, err)
	}
	return req, nil
}
