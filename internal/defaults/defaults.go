// Package defaults embeds the example configuration written by the
// relay init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../examples/config.example.yaml .

// ConfigYAML is examples/config.example.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte
