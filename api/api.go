// Package api embeds the OpenAPI contract of the lending API.
package api

import _ "embed"

// LendingSpec is the OpenAPI 3 document for the lending API operations used
// by the onboarding wizard.
//
//go:embed lending.yaml
var LendingSpec []byte
