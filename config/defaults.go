package config

import _ "embed"

// Default holds the embedded baseline configuration merged under conf.yaml.
//
//go:embed defaults.yaml
var Default []byte
