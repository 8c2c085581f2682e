// Package config loads server configuration from flags, a .env file, and
// environment variables; the environment wins over flag defaults.
package config

import (
	"flag"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/tierkv/tierkv/internal/common"
)

var (
	portFlag  = flag.Int("port", 6379, "RESP server port")
	adminFlag = flag.Int("admin-port", 0, "admin HTTP port (0 disables)")
	dirFlag   = flag.String("dir", common.DefaultDir, "store root directory")
)

// Config holds the server settings.
type Config struct {
	Port      int
	AdminPort int
	Dir       string
}

// Load resolves the configuration. Call after flag.Parse.
func Load() Config {
	godotenv.Load(".env")

	cfg := Config{
		Port:      *portFlag,
		AdminPort: *adminFlag,
		Dir:       *dirFlag,
	}
	if v := os.Getenv("TIERKV_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("TIERKV_ADMIN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.AdminPort = p
		}
	}
	if v := os.Getenv("TIERKV_DIR"); v != "" {
		cfg.Dir = v
	}
	return cfg
}
