package version

var (
	// semver is overridden at build time on tagged releases.
	semver   = "0.1.0"
	revision = "unknown"
)

// Get returns the SDK release version.
func Get() string {
	return semver
}

// Commit returns the VCS revision the SDK was built from.
func Commit() string {
	return revision
}
