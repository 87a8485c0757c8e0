// Package buildsys talks to Koji build systems. Sessions are created from
// standard Koji profile configuration and cached per profile, so the service
// authenticates once and keeps reusing the session for the lifetime of the
// process.
package buildsys

import (
	"context"
	"sync"
)

// ListTaggedOpts narrows a ListTagged query.
type ListTaggedOpts struct {
	// Package restricts the listing to a single package name.
	Package string
	// Latest returns only the most recent build per package.
	Latest bool
}

// TaggedBuild describes one build in a tag listing.
type TaggedBuild struct {
	NVR         string `xmlrpc:"nvr"`
	PackageName string `xmlrpc:"package_name"`
	Version     string `xmlrpc:"version"`
	Release     string `xmlrpc:"release"`
}

// Build describes a single build, notably the SCM URL it was built from.
type Build struct {
	NVR    string `xmlrpc:"nvr"`
	Source string `xmlrpc:"source"`
	TaskID int64  `xmlrpc:"task_id"`
}

// BuildOptions are passed along with a build submission.
type BuildOptions struct {
	Scratch bool
}

// Session is an authenticated connection to a single build system.
type Session interface {
	// ListTagged lists builds tagged into tag.
	ListTagged(ctx context.Context, tag string, opts ListTaggedOpts) ([]TaggedBuild, error)
	// GetBuild fetches build information for an NVR.
	GetBuild(ctx context.Context, nvr string) (*Build, error)
	// Build submits a build of scmurl for target and returns the task ID.
	Build(ctx context.Context, scmurl, target string, opts BuildOptions) (int64, error)
}

// Provider creates sessions for named Koji profiles.
type Provider interface {
	Session(ctx context.Context, profile string) (Session, error)
}

// Cache memoises sessions per profile. Failed session initialization is not
// cached so the next caller retries it.
type Cache struct {
	provider Provider

	mu       sync.Mutex
	sessions map[string]Session
}

func NewCache(provider Provider) *Cache {
	return &Cache{
		provider: provider,
		sessions: map[string]Session{},
	}
}

// Session returns the cached session for profile, creating it on first use.
func (c *Cache) Session(ctx context.Context, profile string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.sessions[profile]; ok {
		return session, nil
	}
	session, err := c.provider.Session(ctx, profile)
	if err != nil {
		return nil, err
	}
	c.sessions[profile] = session
	return session, nil
}
