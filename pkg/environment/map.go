package environment

import "context"

// MapProvider serves a fixed set of variables, such as the --env overrides
// given on the command line. Empty values count as set.
type MapProvider map[string]string

func NewMapProvider(values map[string]string) MapProvider {
	return MapProvider(values)
}

func (p MapProvider) Get(_ context.Context, name string) (string, bool) {
	val, found := p[name]
	return val, found
}
