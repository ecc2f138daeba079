package bridge

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of Event, for consumers written in other
// languages.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(&Event{})
	s.Title = "agentbridge event"
	return json.MarshalIndent(s, "", "  ")
}
