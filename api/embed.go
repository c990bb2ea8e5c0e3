// Package api embeds the OpenAPI document served at /api/docs/openapi.yaml.
package api

import _ "embed"

// OpenAPISpec holds the raw OpenAPI 3.0 document of the PopcornGuide HTTP API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
