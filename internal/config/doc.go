// Package config provides configuration loading and validation for the recorder service.
// It decodes a YAML file over built-in defaults, applies environment overrides
// (optionally sourced from a .env file) and validates every section.
package config
