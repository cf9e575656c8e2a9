package config

import (
	"cmp"
	"os"
	"path/filepath"

	"github.com/docker/agentlab/pkg/environment"
)

// RuntimeConfig carries settings that come from the command line rather
// than from the configuration file.
type RuntimeConfig struct {
	ConfigPath   string
	EnvFiles     []string
	EnvOverrides map[string]string
	WorkingDir   string
	// DataDir overrides data_dir from the configuration file.
	DataDir string

	DefaultEnvProvider environment.Provider
}

// EnvProvider returns DefaultEnvProvider, building it from the overrides
// and env files on first use.
func (c *RuntimeConfig) EnvProvider() (environment.Provider, error) {
	if c.DefaultEnvProvider != nil {
		return c.DefaultEnvProvider, nil
	}

	envFiles := make([]string, 0, len(c.EnvFiles))
	for _, f := range c.EnvFiles {
		if c.WorkingDir != "" && !filepath.IsAbs(f) {
			f = filepath.Join(c.WorkingDir, f)
		}
		envFiles = append(envFiles, f)
	}

	provider, err := environment.NewDefaultProvider(c.EnvOverrides, envFiles...)
	if err != nil {
		return nil, err
	}
	c.DefaultEnvProvider = provider
	return provider, nil
}

// ResolveDataDir picks the data directory: the command line, then the
// configuration file, then ~/.agentlab.
func (c *RuntimeConfig) ResolveDataDir(fromConfig string) string {
	if dir := cmp.Or(c.DataDir, fromConfig); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agentlab")
	}
	return ".agentlab"
}
