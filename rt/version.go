package rt

// Version information for the taskgc runtime.
const (
	// Version is the current version of the runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime build information.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Collector is the garbage collection algorithm used.
	Collector string

	// Modes lists the supported execution modes.
	Modes []string
}

// GetInfo returns information about the runtime.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Collector: "conservative stop-the-world mark-sweep",
		Modes:     []string{"threaded", "deterministic"},
	}
}
