// Package config provides configuration loading for the VitalMesh
// telemetry core.
//
// Configuration is layered: hardcoded defaults, then a YAML file, then
// VITALMESH_* environment variable overrides, then validation. The loaded
// Config is read-only after startup; nothing in this core rewrites it.
//
// Timer cadences are expressed as integer milliseconds in the file
// (interval_ms, idle_sweep_interval_ms) and converted to time.Duration at
// the point of use.
package config
