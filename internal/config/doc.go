// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// See configs/plateviewer.example.yaml for the full schema.
package config
