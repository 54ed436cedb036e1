// Package config loads taskforge settings from defaults, an optional YAML
// file and TASKFORGE_* environment variables, then validates them.
package config
