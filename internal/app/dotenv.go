package app

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// loadDotenv sets variables from path that are unset or empty in the
// environment.
func loadDotenv(path string) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("dotenv %q: %w", path, err)
	}
	for key, val := range vals {
		if cur, ok := os.LookupEnv(key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("dotenv %q: %w", path, err)
		}
	}
	return nil
}
