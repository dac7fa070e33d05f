package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/maxidomd/
//   - Linux:   $XDG_DATA_HOME/maxidomd/ or ~/.local/share/maxidomd/
//   - Windows: %APPDATA%\maxidomd\
//
// Falls back to ~/.maxidomd if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "maxidomd")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "maxidomd")
		}
		return filepath.Join(homeDir(), ".local", "share", "maxidomd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "maxidomd")
		}
		return fallbackDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/maxidomd/
//   - Linux:   $XDG_STATE_HOME/maxidomd/ or ~/.local/state/maxidomd/
//   - Windows: %LOCALAPPDATA%\maxidomd\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "maxidomd")
	case "linux":
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, "maxidomd")
		}
		return filepath.Join(homeDir(), ".local", "state", "maxidomd")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "maxidomd", "logs")
		}
		return filepath.Join(fallbackDataDir(), "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".maxidomd")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order: current directory, then the data directory.
	for _, dir := range []string{".", DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "maxidomd."+ext)
			if dir != "." {
				path = filepath.Join(dir, "config."+ext)
			}
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
