package config

import (
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const appName = "chemdrive"

type Config struct {
	Server  ServerConfig
	Worker  string // path of the worker settings file
	DataDir string // temporary run files and recent projects
	Verbose bool
}

type ServerConfig struct {
	Address string
}

// LoadConfig reads application settings from the environment.
// CHEMDRIVE_* variables are honoured, SERVER_ADDRESS is kept for
// compatibility with older deployments.
func LoadConfig() *Config {
	v := viper.New()
	v.SetEnvPrefix(appName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("worker", appName+".yaml")
	v.SetDefault("data_dir", filepath.Join(xdg.DataHome, appName))
	v.SetDefault("verbose", false)
	_ = v.BindEnv("server.address", "CHEMDRIVE_SERVER_ADDRESS", "SERVER_ADDRESS")

	return &Config{
		Server: ServerConfig{
			Address: v.GetString("server.address"),
		},
		Worker:  v.GetString("worker"),
		DataDir: v.GetString("data_dir"),
		Verbose: v.GetBool("verbose"),
	}
}
