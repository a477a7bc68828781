// Package memory provides in-process implementations of the store
// interfaces. They back the "memory" database driver for local runs and are
// the default stores in service tests.
package memory
