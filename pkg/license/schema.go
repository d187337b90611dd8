package license

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// certificateSchema is the structural contract a document must meet before
// any cryptographic check runs. It guards shape only; field semantics are
// enforced elsewhere.
const certificateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "certificate_id",
    "certificate_version",
    "certificate_type",
    "tier",
    "customer",
    "machine",
    "validity",
    "limits",
    "services",
    "security",
    "signature"
  ],
  "properties": {
    "certificate_id": {"type": "string", "pattern": "^CERT-[0-9A-F]{16}$"},
    "certificate_version": {"type": "string"},
    "certificate_type": {"type": "string"},
    "tier": {"type": "string"},
    "customer": {
      "type": "object",
      "required": ["customer_id", "product_key"],
      "properties": {
        "customer_id": {"type": "string"},
        "customer_name": {"type": "string"},
        "product_key": {"type": "string"}
      }
    },
    "machine": {
      "type": "object",
      "required": ["machine_id", "machine_fingerprint"],
      "properties": {
        "machine_id": {"type": "string"},
        "machine_fingerprint": {"type": "string"},
        "hostname": {"type": "string"},
        "fingerprint_algorithm": {"type": "string"}
      }
    },
    "validity": {
      "type": "object",
      "required": ["issued_at", "valid_until"],
      "properties": {
        "issued_at": {"type": "string"},
        "valid_until": {"type": "string"},
        "grace_period_days": {"type": "integer", "minimum": 0},
        "timezone": {"type": "string"}
      }
    },
    "limits": {"type": "object"},
    "services": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["enabled"],
        "properties": {
          "enabled": {"type": "boolean"},
          "permissions": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "security": {
      "type": "object",
      "required": ["hmac", "hmac_key", "fingerprint_hash"],
      "properties": {
        "hmac": {"type": "string"},
        "hmac_key": {"type": "string"},
        "fingerprint_hash": {"type": "string"}
      }
    },
    "signature": {"type": "string", "minLength": 1},
    "signature_timestamp": {"type": "string"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://warden.schemas.local/certificate.schema.json"
	if err := c.AddResource(url, strings.NewReader(certificateSchema)); err != nil {
		panic(fmt.Sprintf("license: load certificate schema: %v", err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("license: compile certificate schema: %v", err))
	}
	return schema
}

// CheckShape validates the structural contract of a raw certificate
// document. A failure maps to the certificate_corrupt verdict.
func CheckShape(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("certificate is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("certificate shape: %w", err)
	}
	return nil
}
