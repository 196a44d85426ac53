// Package defaults provides the embedded example configuration written
// by the counselor init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample lists the environment variables the example configuration
// references.
//
//go:embed env.example
var EnvExample []byte
