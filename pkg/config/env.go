package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const DefaultEnvFile = ".env"

// LoadEnvFile loads KEY=VALUE pairs into the process environment before flags
// are parsed. Variables already set in the environment win. The file named by
// MERKLE_ENV_FILE is required to exist; the default .env is optional.
func LoadEnvFile() error {
	path := os.Getenv(EnvMerkleEnvFile)
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
