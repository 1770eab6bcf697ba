package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String 返回 version 命令输出的单行描述。
func String() string {
	return fmt.Sprintf("arbscan %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// UserAgent identifies outbound HTTP calls.
func UserAgent() string {
	return "arbscan/" + Version
}
