package settings

import (
	"os"

	"github.com/hybridpos/vssnode/errors"
	"github.com/joho/godotenv"
)

// LoadEnvFile exports the variables of an env file that are not already set.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return errors.NewConfigurationError("failed to load env file %s", path, err)
	}

	return nil
}
