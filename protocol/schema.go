package protocol

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

const ackSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "ok", "serverVersion", "capabilities"],
  "properties": {
    "type": {"const": "handshake/ack"},
    "ok": {"type": "boolean"},
    "serverVersion": {"type": "string"},
    "capabilities": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	ackSchemaOnce sync.Once
	ackSchemaVal  *gojsonschema.Schema
	ackSchemaErr  error
)

// validateAck checks an ack payload against its JSON schema.
func validateAck(payload []byte) error {
	ackSchemaOnce.Do(func() {
		ackSchemaVal, ackSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(ackSchema))
	})
	if ackSchemaErr != nil {
		return errors.Wrap(ackSchemaErr, "compile ack schema")
	}

	result, err := ackSchemaVal.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return errors.Wrap(err, "validate ack")
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return errors.Errorf("malformed handshake/ack: %s", strings.Join(problems, "; "))
}
