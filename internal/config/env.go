package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the environment. Variables that are already
// set win, and a missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}
