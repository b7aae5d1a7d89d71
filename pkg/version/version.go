package version

// Version is the release tag, injected with -ldflags "-X github.com/tehcyx/gchat/pkg/version.Version=..."
var Version string

// GitCommit is the commit sha the binary was built from, injected the same way.
var GitCommit string

const fallbackVersion = "v0.1.0"

// GetVersion returns Version (or the fallback when unset), suffixed with the
// short commit sha when one was injected.
func GetVersion() string {
	v := Version
	if v == "" {
		v = fallbackVersion
	}

	commit := GitCommit
	if commit == "" {
		return v
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return v + "-" + commit
}
