// Package config loads, validates and serves the DistroBaker synchronization
// configuration, a distrobaker.yaml tracked in its own SCM repository.
package config

import (
	"context"
	"fmt"
	"regexp"

	"github.com/alecthomas/errors"

	"github.com/fedora-eln/distrobaker/internal/logging"
	"github.com/fedora-eln/distrobaker/internal/scmurl"
)

// Namespace is a dist-git namespace handled by the service.
type Namespace string

const (
	NamespaceRPMs    Namespace = "rpms"
	NamespaceModules Namespace = "modules"
)

// Namespaces returns the handled namespaces in processing order.
func Namespaces() []Namespace {
	return []Namespace{NamespaceRPMs, NamespaceModules}
}

// Config is one validated snapshot of the synchronization configuration.
// Snapshots are immutable; reloads produce a fresh value.
type Config struct {
	Main  Main
	Comps map[Namespace]map[string]Component
}

type Main struct {
	Source      Endpoint
	Destination Endpoint
	Trigger     Trigger
	Build       Build
	Git         Git
	Control     Control
	Defaults    Defaults
}

// Endpoint describes one side of the sync: its dist-git root, lookaside
// cache, build system profile and module build service.
type Endpoint struct {
	SCM     string
	Cache   CacheEndpoint
	Profile string
	MBS     string
}

type CacheEndpoint struct {
	URL  string
	CGI  string
	Path string
}

// Trigger holds the build system tags whose tagging events drive the sync.
type Trigger struct {
	RPMs    string
	Modules string
}

// Tag returns the trigger tag watched for ns.
func (t Trigger) Tag(ns Namespace) string {
	switch ns {
	case NamespaceRPMs:
		return t.RPMs
	case NamespaceModules:
		return t.Modules
	}
	return ""
}

type Build struct {
	Prefix  string
	Target  string
	Scratch bool
}

type Git struct {
	Author  string
	Email   string
	Message string
}

type Control struct {
	Build   bool
	Merge   bool
	Strict  bool
	Exclude map[Namespace]map[string]bool
}

type Defaults struct {
	Cache   Pair
	RPMs    Pair
	Modules Pair
}

// Pair is a source/destination template or name pair.
type Pair struct {
	Source      string
	Destination string
}

// Pair returns the SCM name templates for ns.
func (d Defaults) Pair(ns Namespace) Pair {
	if ns == NamespaceModules {
		return d.Modules
	}
	return d.RPMs
}

// Component holds the resolved SCM and cache names of one component.
type Component struct {
	Source      string
	Destination string
	Cache       Pair
}

// Component returns the sync endpoints for comp: its configured entry when
// present, otherwise one expanded from the namespace defaults.
func (c *Config) Component(ns Namespace, comp string) Component {
	if entry, ok := c.Comps[ns][comp]; ok {
		return entry
	}
	return c.expand(ns, comp)
}

// Configured reports whether comp has an explicit components entry.
func (c *Config) Configured(ns Namespace, comp string) bool {
	_, ok := c.Comps[ns][comp]
	return ok
}

// Excluded reports whether comp is excluded from synchronization.
func (c *Config) Excluded(ns Namespace, comp string) bool {
	return c.Main.Control.Exclude[ns][comp]
}

func (c *Config) expand(ns Namespace, comp string) Component {
	vars := templateVars(ns, comp)
	pair := c.Main.Defaults.Pair(ns)
	return Component{
		Source:      expandTemplate(pair.Source, vars),
		Destination: expandTemplate(pair.Destination, vars),
		Cache: Pair{
			Source:      expandTemplate(c.Main.Defaults.Cache.Source, vars),
			Destination: expandTemplate(c.Main.Defaults.Cache.Destination, vars),
		},
	}
}

// templateVars binds %(component)s to the component name and, for modules,
// %(stream)s to the stream part of the name:stream key.
func templateVars(ns Namespace, comp string) map[string]string {
	if ns == NamespaceModules {
		m := scmurl.SplitModule(comp)
		return map[string]string{"component": m.Name, "stream": m.Stream}
	}
	return map[string]string{"component": comp}
}

var templateRe = regexp.MustCompile(`%\(([A-Za-z]+)\)s`)

// expandTemplate substitutes %(key)s placeholders from vars. Unknown
// placeholders are left verbatim.
func expandTemplate(tmpl string, vars map[string]string) string {
	return templateRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[2 : len(m)-2]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// missing logs and returns the diagnostic for an absent mandatory key.
func missing(ctx context.Context, path string) error {
	logging.FromContext(ctx).ErrorContext(ctx, fmt.Sprintf("Configuration error: %s missing.", path))
	return errors.Errorf("configuration error: %s missing", path)
}
