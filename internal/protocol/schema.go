package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

const schemaBaseURL = "https://rumblearena.ai/schemas/"

var schemaFiles = map[string]string{
	TypeCommit:     "commit.schema.json",
	TypeReveal:     "reveal.schema.json",
	TypeQueueJoin:  "queue_join.schema.json",
	TypeQueueLeave: "queue_leave.schema.json",
	TypeTurnOpen:   "turn_open.schema.json",
}

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		for _, name := range schemaFiles {
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(raw)); err != nil {
				schemasErr = fmt.Errorf("%s: %w", name, err)
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(schemaFiles))
		for typ, name := range schemaFiles {
			s, err := c.Compile(schemaBaseURL + name)
			if err != nil {
				schemasErr = fmt.Errorf("%s: %w", name, err)
				return
			}
			out[typ] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Validate checks raw JSON against the schema registered for msgType.
// Failures come back as E_PROTO_BAD_REQUEST.
func Validate(msgType string, raw []byte) error {
	all, err := loadSchemas()
	if err != nil {
		return WrapError(ErrInternal, "load schemas", err)
	}
	s, ok := all[msgType]
	if !ok {
		return NewError(ErrProtoBadRequest, "unknown message type "+msgType)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return WrapError(ErrProtoBadRequest, "malformed json", err)
	}
	if err := s.Validate(v); err != nil {
		return WrapError(ErrProtoBadRequest, msgType+" failed validation", err)
	}
	return nil
}

// Decode validates raw as msgType and unmarshals it into out.
func Decode(msgType string, raw []byte, out any) error {
	if err := Validate(msgType, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return WrapError(ErrProtoBadRequest, "decode "+msgType, err)
	}
	return nil
}
