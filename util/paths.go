package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("BLELINK_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "blelink-data")
	}
	return filepath.Join(home, ".blelink-data")
}

// GetSessionLogDir returns the directory holding per-peripheral lifecycle logs
func GetSessionLogDir(address string) string {
	return filepath.Join(GetDataDir(), "sessions", sanitize(address))
}

// GetSocketDir returns the directory where local sockets are created
func GetSocketDir() (string, error) {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return "", err
	}
	return socketDir, nil
}

// ResolveSocketPath joins relative socket addresses onto the socket dir.
func ResolveSocketPath(addr string) (string, error) {
	if filepath.IsAbs(addr) {
		return addr, nil
	}
	dir, err := GetSocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Clean(addr)), nil
}

func sanitize(address string) string {
	out := make([]byte, 0, len(address))
	for i := 0; i < len(address); i++ {
		c := address[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
