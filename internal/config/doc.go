// Package config handles loading and validation of the capture service configuration.
// Values come from built-in defaults, an optional YAML file and command line overrides,
// and are validated once at startup before any pipeline stage is constructed.
package config
