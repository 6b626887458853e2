// Package info carries build-time identity for the cms-agent binaries.
package info

// Component and Version are overridden at build time via -ldflags.
var (
	Component = "cms-agent"
	Version   = "0.0.0-dev"
)
