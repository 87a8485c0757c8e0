package config

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/errors"
	"gopkg.in/yaml.v3"

	"github.com/fedora-eln/distrobaker/internal/logging"
)

// The raw YAML schema. Fields are pointers so validation can distinguish an
// absent key from a zero value.
type yamlFile struct {
	Configuration *yamlConfiguration `yaml:"configuration"`
	Components    *yamlComponents    `yaml:"components"`
}

type yamlConfiguration struct {
	Source      *yamlEndpoint `yaml:"source"`
	Destination *yamlEndpoint `yaml:"destination"`
	Trigger     *yamlTrigger  `yaml:"trigger"`
	Build       *yamlBuild    `yaml:"build"`
	Git         *yamlGit      `yaml:"git"`
	Control     *yamlControl  `yaml:"control"`
	Defaults    *yamlDefaults `yaml:"defaults"`
}

type yamlEndpoint struct {
	SCM     *string    `yaml:"scm"`
	Cache   *yamlCache `yaml:"cache"`
	Profile *string    `yaml:"profile"`
	MBS     *string    `yaml:"mbs"`
}

type yamlCache struct {
	URL  *string `yaml:"url"`
	CGI  *string `yaml:"cgi"`
	Path *string `yaml:"path"`
}

type yamlTrigger struct {
	RPMs    *string `yaml:"rpms"`
	Modules *string `yaml:"modules"`
}

type yamlBuild struct {
	Prefix  *string `yaml:"prefix"`
	Target  *string `yaml:"target"`
	Scratch *bool   `yaml:"scratch"`
}

type yamlGit struct {
	Author  *string `yaml:"author"`
	Email   *string `yaml:"email"`
	Message *string `yaml:"message"`
}

type yamlControl struct {
	Build   *bool               `yaml:"build"`
	Merge   *bool               `yaml:"merge"`
	Strict  *bool               `yaml:"strict"`
	Exclude map[string][]string `yaml:"exclude"`
}

type yamlDefaults struct {
	Cache   *yamlPair `yaml:"cache"`
	RPMs    *yamlPair `yaml:"rpms"`
	Modules *yamlPair `yaml:"modules"`
}

type yamlPair struct {
	Source      *string `yaml:"source"`
	Destination *string `yaml:"destination"`
}

type yamlComponents struct {
	RPMs    map[string]*yamlComponent `yaml:"rpms"`
	Modules map[string]*yamlComponent `yaml:"modules"`
}

type yamlComponent struct {
	Source      *string   `yaml:"source"`
	Destination *string   `yaml:"destination"`
	Cache       *yamlPair `yaml:"cache"`
}

// parse reads and validates the configuration file at path.
func parse(ctx context.Context, path string) (*Config, error) {
	logger := logging.FromContext(ctx)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.ErrorContext(ctx, "Configuration repository does not contain distrobaker.yaml.")
			return nil, errors.Wrap(err, "configuration repository does not contain distrobaker.yaml")
		}
		return nil, errors.Wrap(err, "read distrobaker.yaml")
	}
	var y yamlFile
	if err := yaml.Unmarshal(raw, &y); err != nil {
		logger.ErrorContext(ctx, "Could not parse distrobaker.yaml.", "error", err)
		return nil, errors.Wrap(err, "parse distrobaker.yaml")
	}
	return validate(ctx, &y)
}

// validate checks every mandatory key and assembles the runtime model. The
// first absent key aborts the load with its dotted-path diagnostic.
func validate(ctx context.Context, y *yamlFile) (*Config, error) { //nolint:maintidx
	logger := logging.FromContext(ctx)
	if y.Configuration == nil {
		return nil, missing(ctx, "configuration")
	}
	cnf := y.Configuration
	cfg := &Config{
		Comps: map[Namespace]map[string]Component{
			NamespaceRPMs:    {},
			NamespaceModules: {},
		},
	}

	for _, ep := range []struct {
		name string
		raw  *yamlEndpoint
		out  *Endpoint
	}{
		{"source", cnf.Source, &cfg.Main.Source},
		{"destination", cnf.Destination, &cfg.Main.Destination},
	} {
		if ep.raw == nil {
			return nil, missing(ctx, ep.name)
		}
		if ep.raw.SCM == nil {
			return nil, missing(ctx, ep.name+".scm")
		}
		if ep.raw.Cache == nil {
			return nil, missing(ctx, ep.name+".cache")
		}
		if ep.raw.Cache.URL == nil {
			return nil, missing(ctx, ep.name+".cache.url")
		}
		if ep.raw.Cache.CGI == nil {
			return nil, missing(ctx, ep.name+".cache.cgi")
		}
		if ep.raw.Cache.Path == nil {
			return nil, missing(ctx, ep.name+".cache.path")
		}
		if ep.raw.Profile == nil {
			return nil, missing(ctx, ep.name+".profile")
		}
		if ep.raw.MBS == nil {
			return nil, missing(ctx, ep.name+".mbs")
		}
		*ep.out = Endpoint{
			SCM: *ep.raw.SCM,
			Cache: CacheEndpoint{
				URL:  *ep.raw.Cache.URL,
				CGI:  *ep.raw.Cache.CGI,
				Path: *ep.raw.Cache.Path,
			},
			Profile: *ep.raw.Profile,
			MBS:     *ep.raw.MBS,
		}
	}

	if cnf.Trigger == nil {
		return nil, missing(ctx, "trigger")
	}
	if cnf.Trigger.RPMs == nil {
		return nil, missing(ctx, "trigger.rpms")
	}
	if cnf.Trigger.Modules == nil {
		return nil, missing(ctx, "trigger.modules")
	}
	cfg.Main.Trigger = Trigger{RPMs: *cnf.Trigger.RPMs, Modules: *cnf.Trigger.Modules}

	if cnf.Build == nil {
		return nil, missing(ctx, "build")
	}
	if cnf.Build.Prefix == nil {
		return nil, missing(ctx, "build.prefix")
	}
	if cnf.Build.Target == nil {
		return nil, missing(ctx, "build.target")
	}
	cfg.Main.Build = Build{Prefix: *cnf.Build.Prefix, Target: *cnf.Build.Target}
	if cnf.Build.Scratch == nil {
		logger.WarnContext(ctx, "Configuration warning: build.scratch not defined, assuming false.")
	} else {
		cfg.Main.Build.Scratch = *cnf.Build.Scratch
	}

	if cnf.Git == nil {
		return nil, missing(ctx, "git")
	}
	if cnf.Git.Author == nil {
		return nil, missing(ctx, "git.author")
	}
	if cnf.Git.Email == nil {
		return nil, missing(ctx, "git.email")
	}
	if cnf.Git.Message == nil {
		return nil, missing(ctx, "git.message")
	}
	cfg.Main.Git = Git{Author: *cnf.Git.Author, Email: *cnf.Git.Email, Message: *cnf.Git.Message}

	if cnf.Control == nil {
		return nil, missing(ctx, "control")
	}
	if cnf.Control.Build == nil {
		return nil, missing(ctx, "control.build")
	}
	if cnf.Control.Merge == nil {
		return nil, missing(ctx, "control.merge")
	}
	if cnf.Control.Strict == nil {
		return nil, missing(ctx, "control.strict")
	}
	cfg.Main.Control = Control{
		Build:  *cnf.Control.Build,
		Merge:  *cnf.Control.Merge,
		Strict: *cnf.Control.Strict,
		Exclude: map[Namespace]map[string]bool{
			NamespaceRPMs:    {},
			NamespaceModules: {},
		},
	}
	for _, ns := range Namespaces() {
		for _, comp := range cnf.Control.Exclude[string(ns)] {
			cfg.Main.Control.Exclude[ns][comp] = true
		}
		if n := len(cfg.Main.Control.Exclude[ns]); n > 0 {
			logger.InfoContext(ctx, fmt.Sprintf("Excluding %d component(s) from the %s namespace.", n, ns))
		}
	}

	if cnf.Defaults == nil {
		return nil, missing(ctx, "defaults")
	}
	for _, def := range []struct {
		name string
		raw  *yamlPair
		out  *Pair
	}{
		{"defaults.cache", cnf.Defaults.Cache, &cfg.Main.Defaults.Cache},
		{"defaults.rpms", cnf.Defaults.RPMs, &cfg.Main.Defaults.RPMs},
		{"defaults.modules", cnf.Defaults.Modules, &cfg.Main.Defaults.Modules},
	} {
		if def.raw == nil {
			return nil, missing(ctx, def.name)
		}
		if def.raw.Source == nil {
			return nil, missing(ctx, def.name+".source")
		}
		if def.raw.Destination == nil {
			return nil, missing(ctx, def.name+".destination")
		}
		*def.out = Pair{Source: *def.raw.Source, Destination: *def.raw.Destination}
	}

	if y.Components != nil {
		for _, ns := range Namespaces() {
			raw := y.Components.RPMs
			if ns == NamespaceModules {
				raw = y.Components.Modules
			}
			for key, over := range raw {
				entry := cfg.expand(ns, key)
				if over != nil {
					if over.Source != nil {
						entry.Source = *over.Source
					}
					if over.Destination != nil {
						entry.Destination = *over.Destination
					}
					if over.Cache != nil {
						if over.Cache.Source != nil {
							entry.Cache.Source = *over.Cache.Source
						}
						if over.Cache.Destination != nil {
							entry.Cache.Destination = *over.Cache.Destination
						}
					}
				}
				cfg.Comps[ns][key] = entry
			}
		}
	}
	for _, ns := range Namespaces() {
		logger.InfoContext(ctx, fmt.Sprintf("Found %d configured component(s) in the %s namespace.", len(cfg.Comps[ns]), ns))
	}
	if cfg.Main.Control.Strict {
		logger.InfoContext(ctx, "Running in the strict mode. Only configured components will be processed.")
	} else {
		logger.InfoContext(ctx, "Running in the non-strict mode. All components will be processed.")
	}

	return cfg, nil
}
