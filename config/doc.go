// Package config loads and validates the engine's YAML configuration.
//
// Config files support ${VAR} environment variable expansion, so secrets
// like API keys stay out of the file itself.
package config
