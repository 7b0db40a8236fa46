package logging

import (
	"os"
	"path/filepath"
)

const (
	logDirName  = ".kbchat"
	logFileName = "kbchat.log"
)

// LogDir returns the directory where kbchat log files live (~/.kbchat/logs).
// Falls back to the current directory if the home directory cannot be resolved.
func LogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", logDirName, "logs")
	}
	return filepath.Join(home, logDirName, "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(LogDir(), logFileName)
}

// EnsureLogDir creates the log directory if it does not exist.
func EnsureLogDir() error {
	return os.MkdirAll(LogDir(), 0o755)
}
