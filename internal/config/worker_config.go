package config

import (
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ReadyLine is printed by the worker's HTTP server once it accepts requests.
const ReadyLine = "Uvicorn running on http://0.0.0.0:8000 (Press CTRL+C to quit)"

type WorkerConfig struct {
	Interpreter  string            `yaml:"interpreter"`
	Entry        string            `yaml:"entry"`
	VirtualEntry string            `yaml:"virtual_entry,omitempty"`
	Directory    string            `yaml:"directory,omitempty"`
	Environment  map[string]string `yaml:"environment,omitempty"`
	Executable   string            `yaml:"executable"`
	Package      string            `yaml:"package"`
	MainScript   string            `yaml:"main_script"`
	ReadyLine    string            `yaml:"ready_line,omitempty"`
	ProbeURL     string            `yaml:"probe_url,omitempty"`
}

type DriveConfig struct {
	Worker  WorkerConfig `yaml:"worker"`
	Virtual bool         `yaml:"virtual"`
}

// DefaultDriveConfig is used when no settings file exists. The entry point is
// left empty: starting a run then fails with a "could not locate" error.
func DefaultDriveConfig() *DriveConfig {
	cfg := &DriveConfig{}
	cfg.setDefaults()
	return cfg
}

func LoadDriveConfig(path string) (*DriveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg DriveConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *DriveConfig) setDefaults() {
	w := &c.Worker
	if w.Interpreter == "" {
		w.Interpreter = "python3"
		if runtime.GOOS == "windows" {
			w.Interpreter = "python"
		}
	}
	if w.Executable == "" {
		w.Executable = "flowchem.exe"
	}
	if w.Package == "" {
		w.Package = "flowchem"
	}
	if w.MainScript == "" {
		w.MainScript = "__main__.py"
	}
	if w.ReadyLine == "" {
		w.ReadyLine = ReadyLine
	}
	if w.ProbeURL == "" {
		w.ProbeURL = "http://127.0.0.1:8000"
	}
}

// Env returns the worker environment, or nil to inherit the host's.
func (w WorkerConfig) Env() []string {
	if len(w.Environment) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range w.Environment {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}
