package mail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultImportance is used when a service response carries no importance.
const DefaultImportance = "Normal"

// ResponseFields is the field set as returned by the extraction and
// generation services. Any field may be absent.
type ResponseFields struct {
	SenderService   *string `json:"senderService"`
	ReceiverService *string `json:"receiverService"`
	LetterNumber    *string `json:"letterNumber"`
	Subject         *string `json:"subject"`
	Date            *string `json:"date"`
	Importance      *string `json:"importance"`
	Body            *string `json:"body"`
}

// FieldsFromResponse fills a draft from a service response. Absent fields
// become "" and an absent or empty importance becomes "Normal".
func FieldsFromResponse(r ResponseFields) Fields {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	f := Fields{
		SenderService:   deref(r.SenderService),
		ReceiverService: deref(r.ReceiverService),
		LetterNumber:    deref(r.LetterNumber),
		Subject:         deref(r.Subject),
		Date:            deref(r.Date),
		Importance:      deref(r.Importance),
		Body:            deref(r.Body),
	}
	if f.Importance == "" {
		f.Importance = DefaultImportance
	}
	return f
}

// Schema returns the JSON schema of a service response: an object whose
// seven letter fields, when present, are strings (or null).
func Schema() map[string]any {
	str := map[string]any{"type": []any{"string", "null"}}
	return map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"senderService":   str,
			"receiverService": str,
			"letterNumber":    str,
			"subject":         str,
			"date":            str,
			"importance":      str,
			"body":            str,
		},
	}
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func responseSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(Schema())
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("letter.json", bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("letter.json")
	})
	return compiledSchema, schemaErr
}

// ParseResponse validates raw against Schema and decodes it.
func ParseResponse(raw []byte) (ResponseFields, error) {
	var out ResponseFields
	schema, err := responseSchema()
	if err != nil {
		return out, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return out, fmt.Errorf("unmarshal response: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return out, fmt.Errorf("response does not match letter schema: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
