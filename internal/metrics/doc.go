// Package metrics provides the prometheus collector for handoff and
// consensus instrumentation. This package is internal and should not be
// imported by external projects.
package metrics
