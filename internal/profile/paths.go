package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync when unset.
func BaseDir() string {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the control socket of the profile daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "control.sock")
}

// DBPath returns the local message store.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chat.db")
}

// EnvPath returns the optional dotenv overlay for the profile.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// TokenPath returns the default bearer token file for the profile.
func TokenPath(name string) string {
	return filepath.Join(Dir(name), "token")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "logs", "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), filepath.Dir(LogPath(name))} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// List returns the names of profiles that have a directory.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "profiles"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
