package app

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/shaiso/Fanout/internal/config"
)

// DefaultConfigPath — файл конфигурации, если FANOUT_CONFIG не задан.
const DefaultConfigPath = "fanout.yaml"

// LoadConfig подгружает .env (если есть) и читает конфигурацию из
// FANOUT_CONFIG или DefaultConfigPath.
func LoadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	path := os.Getenv("FANOUT_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	return config.Load(path)
}
