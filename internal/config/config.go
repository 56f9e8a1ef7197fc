// Package config reads the handful of environment variables that
// configure a run.
package config

import (
	"os"
	"strings"
)

// Config holds every environment-derived setting a run may need.
type Config struct {
	// ServeDataDir is the root read-root for file-backed load/save
	// operations (VOXLOGICA_SERVE_DATA_DIR, default "tests/").
	ServeDataDir string

	// ServeMode reports whether serve-mode sandboxing applies; it is on
	// whenever VOXLOGICA_SERVE_DATA_DIR was set explicitly.
	ServeMode bool

	// ExtraReadRoots are additional read-root sandbox directories, beyond
	// ServeDataDir (VOXLOGICA_SERVE_EXTRA_READ_ROOTS, comma-separated).
	ExtraReadRoots []string

	// PerfReportDir, if set, is where performance reports would be written;
	// perf-report generation itself is out of scope
	// but the directory is still threaded through for forward compatibility
	// (VOXLOGICA_PERF_REPORT_DIR).
	PerfReportDir string

	// RuntimeVersion overrides the store's runtime_version namespace
	// (VOXLOGICA_RUNTIME_VERSION); empty means "use the build version".
	RuntimeVersion string

	// StorePath is the durable SQLite store location
	// (VOXLOGICA_STORE_PATH); empty means "use the in-memory store".
	StorePath string
}

// FromEnv reads Config from the process environment.
func FromEnv() *Config {
	c := &Config{
		ServeDataDir:   "tests/",
		PerfReportDir:  os.Getenv("VOXLOGICA_PERF_REPORT_DIR"),
		RuntimeVersion: os.Getenv("VOXLOGICA_RUNTIME_VERSION"),
		StorePath:      os.Getenv("VOXLOGICA_STORE_PATH"),
	}
	if dir, ok := os.LookupEnv("VOXLOGICA_SERVE_DATA_DIR"); ok && dir != "" {
		c.ServeDataDir = dir
		c.ServeMode = true
	}
	if raw := os.Getenv("VOXLOGICA_SERVE_EXTRA_READ_ROOTS"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.ExtraReadRoots = append(c.ExtraReadRoots, p)
			}
		}
	}
	return c
}
