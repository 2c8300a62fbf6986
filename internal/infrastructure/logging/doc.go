// Package logging provides structured logging for the VitalMesh
// telemetry core.
//
// It wraps log/slog with configuration-driven handler selection and
// default service fields. Components receive the logger through their own
// narrow Logger interfaces so packages stay decoupled from this one.
package logging
