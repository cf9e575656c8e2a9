package environment

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
)

// EnvFileProvider serves variables read from .env files. When several files
// define a variable, the first one wins.
type EnvFileProvider struct {
	values map[string]string
}

// NewEnvFileProvider reads every file up front.
func NewEnvFileProvider(paths ...string) (*EnvFileProvider, error) {
	values := map[string]string{}
	for _, path := range paths {
		fileValues, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", path, err)
		}
		for k, v := range fileValues {
			if _, exists := values[k]; !exists {
				values[k] = v
			}
		}
	}
	return &EnvFileProvider{values: values}, nil
}

func (p *EnvFileProvider) Get(_ context.Context, name string) (string, bool) {
	val, found := p.values[name]
	return val, found
}
