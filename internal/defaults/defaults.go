// Package defaults provides the embedded default configuration for
// the switchboard init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
