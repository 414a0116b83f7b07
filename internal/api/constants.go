package api //nolint:revive // package name is intentional

// DefaultMaxBodySize is the default maximum request body size (10MB).
// Ingested documents and long conversations both fit.
const DefaultMaxBodySize = 10 * 1024 * 1024
