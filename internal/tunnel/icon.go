package tunnel

import (
	"os"
	"path/filepath"
)

// DefaultIcon is returned when no icon file matches
const DefaultIcon = "builtin:tunnel"

// IconDirs holds the directories searched for tunnel icons
type IconDirs struct {
	UserDir  string
	LocalDir string
}

// Resolve finds the icon file for name. Order: user dir exact, user dir
// name+".png", local dir exact, local dir name+".png", then DefaultIcon.
func (d IconDirs) Resolve(name string) string {
	if name == "" {
		return DefaultIcon
	}

	for _, dir := range []string{d.UserDir, d.LocalDir} {
		if dir == "" {
			continue
		}
		for _, candidate := range []string{name, name + ".png"} {
			path := filepath.Join(dir, candidate)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}

	return DefaultIcon
}
