package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/dmitrijs2005/gophauth/internal/flagx"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable name in the Config env tags.
const EnvPrefix = "GOPHAUTH_"

const defaultEnvFile = ".env"

// parseEnv seeds the process environment from a .env file (the -ef/-envfile
// flag, or ./.env when present) and overlays GOPHAUTH_* variables onto
// config. Variables already set in the environment win over the file.
// Unset variables leave the field untouched.
func parseEnv(config *Config) {
	if err := loadEnvFile(flagx.EnvFileFlags()); err != nil {
		panic(err)
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(err)
	}
}

func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if _, err := os.Stat(defaultEnvFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(defaultEnvFile)
}
