package homedir

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Get returns the current user's home directory.
func Get() (string, error) {
	h := os.Getenv("HOME")
	if h != "" {
		return h, nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "finding home directory")
	}
	return usr.HomeDir, nil
}

// Expand replaces a leading "~" in path with the home directory.
// Other paths, including "~user/...", are returned unchanged.
func Expand(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	h, err := Get()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, path[1:]), nil
}
