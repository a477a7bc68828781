// Package config handles configuration loading, parsing, and validation
// from defaults, an optional config.yaml and environment variables. It provides
// type-safe access to the settings needed by the server, stores, image
// pipeline and cache while keeping configuration details separate from
// business logic.
package config
