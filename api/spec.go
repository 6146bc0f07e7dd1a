// Package api holds the published OpenAPI description of the gateway.
package api

import _ "embed"

//go:embed openapi.yaml
var Spec []byte
