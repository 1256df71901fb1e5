// Package action defines the callable contract behind workflow steps, the
// registry that resolves step actions by name (with a pluggable module
// fallback), and the schema and security validation applied to step params
// before an action runs.
package action
