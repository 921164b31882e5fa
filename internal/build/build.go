// Package build holds build-time metadata. The values are overridden with
// ldflags by the release pipeline.
package build

var (
	ProjectName = "omnibase"

	Version = "dev"

	Commit = "none"
)
