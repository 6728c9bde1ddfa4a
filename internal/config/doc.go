// Package config defines the gateway configuration model and its YAML
// loader. Configuration files support ${VAR} and ${VAR:-default}
// environment substitution, human-readable durations ("30s", "5m"), and
// hot reload through an fsnotify-based watcher.
package config
