package capture

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// captureSchema is the contract for raw capture payloads, both spool
// files and the HTTP capture endpoint. Unknown extra fields are
// allowed; the raw document is retained verbatim for diagnostics.
const captureSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["chat_room", "sender_name", "text"],
	"properties": {
		"chat_room": {"type": "string", "minLength": 1},
		"sender_name": {"type": "string", "minLength": 1},
		"text": {"type": "string"},
		"self": {"type": "boolean"},
		"received_at": {"type": "string", "format": "date-time"},
		"notification_key": {"type": "string"}
	}
}`

func compileCaptureSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(captureSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("capture.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("capture.json")
}
