package conversations

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// GetDefaultBasePath returns $MEMCORE_BASE_PATH/conversations, or
// $HOME/.memcore/conversations if the environment variable is unset,
// creating it if necessary.
func GetDefaultBasePath() (string, error) {
	base := os.Getenv("MEMCORE_BASE_PATH")
	if base == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get user home directory")
		}
		base = filepath.Join(homeDir, ".memcore")
	}

	basePath := filepath.Join(base, "conversations")
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create conversations directory")
	}
	return basePath, nil
}
