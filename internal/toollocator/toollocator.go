// Package toollocator resolves the cdb executable path from configuration
// or well-known install roots. Grounded on the teacher's
// tools/installer/resolve.go (ResolveBinary: LookPath -> search paths ->
// install strategy), adapted to the architecture-probing order this spec
// requires instead of a generic install-strategy fallback.
package toollocator

import (
	"fmt"
	"path/filepath"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
)

// ErrToolNotFound is returned when no candidate path resolves to an
// existing executable.
var ErrToolNotFound = fmt.Errorf("toollocator: tool not found")

// ArchSearchOrder returns the architecture subdirectories to probe under
// each install root, in priority order, for the given OS architecture.
// Exposed as data (rather than folded into FindToolPath) so it is
// independently testable.
func ArchSearchOrder(osArch string) []string {
	switch osArch {
	case "arm64":
		return []string{"arm64", "x64", "x86"}
	case "x64", "amd64":
		return []string{"x64", "x86"}
	case "x86", "386":
		return []string{"x86"}
	default:
		return []string{"x64", "x86"}
	}
}

// FindToolPath resolves the debugger executable's absolute path.
// configuredPath, if non-empty and present on disk, is returned unmodified.
// Otherwise each root in searchRoots is probed under ArchSearchOrder(osArch)
// subdirectories for binaryName, and the first existing executable wins.
func FindToolPath(fs capability.Filesystem, binaryName, configuredPath string, searchRoots []string, osArch string) (string, error) {
	if configuredPath != "" {
		if fs.Exists(configuredPath) {
			return configuredPath, nil
		}
	}

	for _, root := range searchRoots {
		for _, arch := range ArchSearchOrder(osArch) {
			candidate := filepath.Join(root, arch, binaryName)
			if fs.Exists(candidate) {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s", ErrToolNotFound, binaryName)
}
