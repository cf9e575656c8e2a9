// Package environment resolves the variables configuration files refer to.
// Providers are chained so that explicit overrides win over .env files,
// which win over the process environment.
package environment

import (
	"context"
	"os"
)

// Provider looks up environment variables.
type Provider interface {
	Get(ctx context.Context, name string) (string, bool)
}

// OsEnvProvider reads the process environment.
type OsEnvProvider struct{}

func NewOsEnvProvider() *OsEnvProvider {
	return &OsEnvProvider{}
}

func (p *OsEnvProvider) Get(_ context.Context, name string) (string, bool) {
	return os.LookupEnv(name)
}

// MultiProvider asks each provider in turn and returns the first hit.
type MultiProvider struct {
	providers []Provider
}

func NewMultiProvider(providers ...Provider) *MultiProvider {
	return &MultiProvider{
		providers: providers,
	}
}

func (p *MultiProvider) Get(ctx context.Context, name string) (string, bool) {
	for _, provider := range p.providers {
		if provider == nil {
			continue
		}
		if val, found := provider.Get(ctx, name); found {
			return val, true
		}
	}
	return "", false
}

// NewDefaultProvider chains overrides, the given .env files and the process
// environment, in that order.
func NewDefaultProvider(overrides map[string]string, envFiles ...string) (Provider, error) {
	var providers []Provider
	if len(overrides) > 0 {
		providers = append(providers, NewMapProvider(overrides))
	}
	if len(envFiles) > 0 {
		fileProvider, err := NewEnvFileProvider(envFiles...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fileProvider)
	}
	providers = append(providers, NewOsEnvProvider())
	return NewMultiProvider(providers...), nil
}
