package metadata

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"permgate/internal/schema"
)

// Route is the permission declaration of one protected operation.
type Route struct {
	Name string `yaml:"-"`
	// Options configures the authentication middleware for the route.
	Options map[string]any `yaml:"options"`
	// Required is the capability the route demands.
	Required *Node `yaml:"required"`
}

type routesFile struct {
	Routes map[string]*Route `yaml:"routes"`
}

// LoadRoutes reads route declarations from a YAML file.
func LoadRoutes(path string, reg *Registry) (map[string]*Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	routes, err := ParseRoutes(data, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("loaded route permission declarations", "path", path, "routes", len(routes))
	return routes, nil
}

// ParseRoutes decodes route declarations and validates them: options against
// the middleware options schema, required trees against the registry. A
// route must require something; an empty requirement would allow everyone.
func ParseRoutes(data []byte, reg *Registry) (map[string]*Route, error) {
	var f routesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}

	names := make([]string, 0, len(f.Routes))
	for name := range f.Routes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := f.Routes[name]
		if r == nil {
			return nil, fmt.Errorf("route %s: empty declaration", name)
		}
		r.Name = name
		if r.Options == nil {
			r.Options = map[string]any{}
		}
		if err := schema.ValidateOptions(r.Options); err != nil {
			return nil, fmt.Errorf("route %s: options: %w", name, err)
		}
		if r.Required.IsEmpty() {
			return nil, fmt.Errorf("route %s: no required permissions declared", name)
		}
		if err := reg.ValidateRequired(r.Required); err != nil {
			return nil, fmt.Errorf("route %s: %w", name, err)
		}
	}
	return f.Routes, nil
}
