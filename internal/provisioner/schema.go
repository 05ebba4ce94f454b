package provisioner

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/list.schema.json
var listSchemaJSON string

var listSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(listSchemaJSON))
})

// MalformedOutputError means step's list output was not valid JSON or did
// not match the expected record layout.
type MalformedOutputError struct {
	Reason string
	Output string
	Err    error
}

func (e *MalformedOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to parse provisioner list: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to parse provisioner list: %s", e.Reason)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// maxSnippet bounds how much raw output a MalformedOutputError keeps.
const maxSnippet = 512

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxSnippet {
		return s[:maxSnippet] + "..."
	}
	return s
}

// parseList checks out against the list contract and decodes it.
func parseList(out []byte) ([]Provisioner, error) {
	if !json.Valid(out) {
		return nil, &MalformedOutputError{Reason: "output is not valid JSON", Output: snippet(out)}
	}

	schema, err := listSchema()
	if err != nil {
		return nil, fmt.Errorf("compile list schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(out))
	if err != nil {
		return nil, &MalformedOutputError{Reason: "schema validation error", Output: snippet(out), Err: err}
	}
	if !result.Valid() {
		var messages []string
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return nil, &MalformedOutputError{
			Reason: "unexpected record layout: " + strings.Join(messages, "; "),
			Output: snippet(out),
		}
	}

	var provisioners []Provisioner
	if err := json.Unmarshal(out, &provisioners); err != nil {
		return nil, &MalformedOutputError{Reason: "decode records", Output: snippet(out), Err: err}
	}
	if provisioners == nil {
		provisioners = []Provisioner{}
	}
	return provisioners, nil
}
