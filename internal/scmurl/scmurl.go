// Package scmurl dissects dist-git SCM URLs and module name:stream keys.
package scmurl

import "strings"

// DefaultStream is the stream a module key falls back to when none is given.
const DefaultStream = "master"

// URL is a dissected SCM URL of the link#ref form.
type URL struct {
	Link string // everything before the first #
	Ref  string // everything after the first #, empty when absent
	NS   string // penultimate path segment of the link, empty when absent
	Comp string // last path segment of the link
}

// Split dissects an SCM URL of the link#ref form. The split is purely
// syntactic: the link is not required to be a well-formed URL, the component
// of a slash-free link is the link itself, and the ref may be empty.
func Split(scm string) URL {
	link, ref, _ := strings.Cut(scm, "#")
	segs := strings.Split(link, "/")
	u := URL{Link: link, Ref: ref, Comp: segs[len(segs)-1]}
	if len(segs) >= 2 {
		u.NS = segs[len(segs)-2]
	}
	return u
}

// Module is a module key of the name:stream form.
type Module struct {
	Name   string
	Stream string
}

// SplitModule dissects a module key of the name:stream form. A missing or
// empty stream defaults to DefaultStream; anything past the second colon is
// ignored.
func SplitModule(comp string) Module {
	parts := strings.Split(comp, ":")
	m := Module{Name: parts[0], Stream: DefaultStream}
	if len(parts) > 1 && parts[1] != "" {
		m.Stream = parts[1]
	}
	return m
}
