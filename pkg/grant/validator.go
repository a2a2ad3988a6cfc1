package grant

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/identity"
	"github.com/datahive/personal-server/pkg/types"
)

// grantSchema is the structural contract of a grant document. Semantic
// checks (grantee match, expiry, response_format rules) run after it.
const grantSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["grantee", "operation", "parameters"],
  "properties": {
    "grantee": {
      "type": "string",
      "pattern": "^0x[0-9a-fA-F]{40}$"
    },
    "operation": {
      "type": "string"
    },
    "parameters": {
      "type": "object"
    },
    "expires": {
      "type": "integer",
      "minimum": 0
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("grant.json", grantSchema)

// Validate parses and validates a raw grant document against the expected
// grantee and the current time. It either returns a grant satisfying every
// constraint or a grant-validation error, never both.
func Validate(raw []byte, expectedGrantee string, now time.Time) (*types.Grant, error) {
	var doc interface{}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return nil, errdefs.GrantValidation("grant is not valid JSON")
	}

	if err := compiledSchema.Validate(doc); err != nil {
		return nil, errdefs.GrantValidation("grant schema violation: %v", err)
	}

	var g types.Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, errdefs.GrantValidation("grant decode failed")
	}

	if !supportedOperation(g.Operation) {
		return nil, errdefs.GrantValidation("unsupported operation %q", g.Operation)
	}

	if !identity.SameAddress(g.Grantee, expectedGrantee) {
		return nil, errdefs.GrantValidation("grant grantee %s does not match permission grantee %s",
			g.Grantee, expectedGrantee)
	}

	// expires == now is still valid
	if g.Expires != 0 && g.Expires < now.Unix() {
		return nil, errdefs.GrantValidation("grant expired at %d", g.Expires)
	}

	if g.Operation == types.OperationRemoteLLM {
		if err := ValidateResponseFormat(g.Parameters); err != nil {
			return nil, err
		}
	}

	return &g, nil
}

// ValidateResponseFormat checks the optional response_format parameter of
// remote LLM grants. Agent grants ignore the field entirely.
func ValidateResponseFormat(params map[string]interface{}) error {
	raw, ok := params["response_format"]
	if !ok {
		return nil
	}

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return errdefs.GrantValidation("response_format must be an object")
	}

	typ, ok := obj["type"].(string)
	if !ok {
		return errdefs.GrantValidation("response_format.type must be a string")
	}
	if typ != "text" && typ != "json_object" {
		return errdefs.GrantValidation("response_format.type must be \"text\" or \"json_object\", got %q", typ)
	}

	return nil
}

// WantsJSON reports whether the grant requests JSON-only output
func WantsJSON(g *types.Grant) bool {
	obj, ok := g.Parameters["response_format"].(map[string]interface{})
	if !ok {
		return false
	}
	typ, _ := obj["type"].(string)
	return typ == "json_object"
}

// supportedOperation checks membership in the closed operation set
func supportedOperation(op string) bool {
	for _, s := range types.SupportedOperations {
		if op == s {
			return true
		}
	}
	return false
}
