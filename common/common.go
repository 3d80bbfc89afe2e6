// Package common holds identity and logging helpers shared by all binaries.
package common

// PackageName is used as the metrics namespace and the default service tag.
const PackageName = "netboot_imaging_backend"

// Version is set at build time via -ldflags.
var Version = "dev"
