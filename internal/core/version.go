package core

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Version is resolved from build info at startup
var Version = buildVersion()

// buildVersion prefers a tagged module version and falls back to the VCS
// revision for local builds
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}
	return versionFromSettings(info.Settings)
}

func versionFromSettings(settings []debug.BuildSetting) string {
	var revision string
	var modified bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}

	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	v := fmt.Sprintf("devel-%s", revision)
	if modified {
		v += "-dirty"
	}
	return v
}

// FormatVersion strips the "v" of tagged releases for display
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isPseudoVersion reports whether v ends in the 12 hex digit commit hash of
// a Go pseudo-version such as v0.0.0-20260217105831-82903d1d8810
func isPseudoVersion(v string) bool {
	v, _, _ = strings.Cut(v, "+")
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	return strings.Trim(hash, "0123456789abcdef") == ""
}
