package buildsys

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
	"github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/kolo/xmlrpc"
	"gopkg.in/ini.v1"

	"github.com/fedora-eln/distrobaker/internal/logging"
)

// DefaultConfDir is where Koji client profiles are looked up.
const DefaultConfDir = "/etc/koji.conf.d"

// Config points the service at the Koji client profiles.
type Config struct {
	ConfDir string `hcl:"confdir,optional" help:"Directory with Koji profile configuration files."`
}

// Profile is a Koji client profile, one section of a koji.conf.d file.
type Profile struct {
	Name      string
	Server    string
	AuthType  string
	Principal string
	Keytab    string
}

// LoadProfile finds the named profile among the *.conf files under dir.
func LoadProfile(dir, name string) (*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.conf"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Strings(matches)
	for _, path := range matches {
		file, err := ini.Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		section, err := file.GetSection(name)
		if err != nil {
			continue
		}
		profile := &Profile{
			Name:      name,
			Server:    section.Key("server").String(),
			AuthType:  section.Key("authtype").String(),
			Principal: section.Key("principal").String(),
			Keytab:    section.Key("keytab").String(),
		}
		if profile.Server == "" {
			return nil, errors.Errorf("koji profile %q in %s has no server", name, path)
		}
		return profile, nil
	}
	return nil, errors.Errorf("koji profile %q not found in %s", name, dir)
}

// KojiProvider creates sessions from Koji profiles on disk.
type KojiProvider struct {
	confDir string
}

func NewKojiProvider(confDir string) *KojiProvider {
	if confDir == "" {
		confDir = DefaultConfDir
	}
	return &KojiProvider{confDir: confDir}
}

func (p *KojiProvider) Session(ctx context.Context, profile string) (Session, error) {
	prof, err := LoadProfile(p.confDir, profile)
	if err != nil {
		return nil, err
	}
	return NewSession(ctx, prof)
}

// NewSession connects to the hub described by profile, logging in over
// GSSAPI when the profile asks for it.
func NewSession(ctx context.Context, profile *Profile) (Session, error) {
	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, fmt.Sprintf("Initializing a Koji session with the %s profile.", profile.Name))
	transport := &sessionTransport{base: http.DefaultTransport}
	rpc, err := xmlrpc.NewClient(profile.Server, transport)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", profile.Server)
	}
	session := &kojiSession{client: rpc, transport: transport}
	switch profile.AuthType {
	case "gssapi", "kerberos":
		if err := session.login(profile); err != nil {
			return nil, errors.Wrapf(err, "log into %s", profile.Server)
		}
	case "", "noauth":
	default:
		return nil, errors.Errorf("unsupported koji authtype %q", profile.AuthType)
	}
	logger.DebugContext(ctx, fmt.Sprintf("Koji session with the %s profile initialized.", profile.Name))
	return session, nil
}

type kojiSession struct {
	client    *xmlrpc.Client
	transport *sessionTransport
}

var _ Session = (*kojiSession)(nil)

// call invokes a hub method. The underlying client carries no context, so
// cancellation is only honored between calls.
func (s *kojiSession) call(ctx context.Context, method string, args []any, reply any) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(s.client.Call(method, args, reply), "koji %s failed", method)
}

// starstar marks a map as keyword arguments for the hub.
func starstar(kwargs map[string]any) map[string]any {
	kwargs["__starstar"] = true
	return kwargs
}

func (s *kojiSession) ListTagged(ctx context.Context, tag string, opts ListTaggedOpts) ([]TaggedBuild, error) {
	kwargs := map[string]any{"latest": opts.Latest}
	if opts.Package != "" {
		kwargs["package"] = opts.Package
	}
	var builds []TaggedBuild
	if err := s.call(ctx, "listTagged", []any{tag, starstar(kwargs)}, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}

func (s *kojiSession) GetBuild(ctx context.Context, nvr string) (*Build, error) {
	var build Build
	if err := s.call(ctx, "getBuild", []any{nvr}, &build); err != nil {
		return nil, err
	}
	if build.NVR == "" {
		return nil, errors.Errorf("build %s not found", nvr)
	}
	return &build, nil
}

func (s *kojiSession) Build(ctx context.Context, scmurl, target string, opts BuildOptions) (int64, error) {
	var task int64
	args := []any{scmurl, target, map[string]any{"scratch": opts.Scratch}}
	if err := s.call(ctx, "build", args, &task); err != nil {
		return 0, err
	}
	return task, nil
}

// login performs Koji GSSAPI authentication against the hub's ssllogin
// endpoint. The issued session credentials are then carried as query
// parameters on every subsequent call.
func (s *kojiSession) login(profile *Profile) error {
	krb, err := kerberosClient(profile)
	if err != nil {
		return err
	}
	defer krb.Destroy()

	loginURL := strings.TrimRight(profile.Server, "/") + "/ssllogin"
	rpc, err := xmlrpc.NewClient(loginURL, &spnegoTransport{krb: krb, base: http.DefaultTransport})
	if err != nil {
		return errors.WithStack(err)
	}
	defer rpc.Close()

	var creds struct {
		SessionID  int    `xmlrpc:"session-id"`
		SessionKey string `xmlrpc:"session-key"`
	}
	if err := rpc.Call("sslLogin", nil, &creds); err != nil {
		return errors.Wrap(err, "sslLogin failed")
	}
	if creds.SessionKey == "" {
		return errors.New("hub returned no session credentials")
	}
	s.transport.setSession(creds.SessionID, creds.SessionKey)
	return nil
}

func kerberosClient(profile *Profile) (*client.Client, error) {
	conf, err := krb5config.Load(krb5ConfPath())
	if err != nil {
		return nil, errors.Wrap(err, "load krb5 configuration")
	}
	if profile.Keytab != "" && profile.Principal != "" {
		principal, realm, ok := strings.Cut(profile.Principal, "@")
		if !ok {
			return nil, errors.Errorf("principal %q has no realm", profile.Principal)
		}
		kt, err := keytab.Load(profile.Keytab)
		if err != nil {
			return nil, errors.Wrapf(err, "load keytab %s", profile.Keytab)
		}
		krb := client.NewWithKeytab(principal, realm, kt, conf, client.DisablePAFXFAST(true))
		if err := krb.Login(); err != nil {
			return nil, errors.Wrap(err, "kerberos login")
		}
		return krb, nil
	}
	ccache, err := credentials.LoadCCache(ccachePath())
	if err != nil {
		return nil, errors.Wrap(err, "load credential cache")
	}
	krb, err := client.NewFromCCache(ccache, conf, client.DisablePAFXFAST(true))
	if err != nil {
		return nil, errors.Wrap(err, "kerberos login")
	}
	return krb, nil
}

func krb5ConfPath() string {
	if path := os.Getenv("KRB5_CONFIG"); path != "" {
		return path
	}
	return "/etc/krb5.conf"
}

func ccachePath() string {
	if env := os.Getenv("KRB5CCNAME"); env != "" {
		return strings.TrimPrefix(env, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// spnegoTransport authenticates requests with a SPNEGO header.
type spnegoTransport struct {
	krb  *client.Client
	base http.RoundTripper
}

func (t *spnegoTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := spnego.SetSPNEGOHeader(t.krb, req, ""); err != nil {
		return nil, errors.Wrap(err, "set SPNEGO header")
	}
	return t.base.RoundTrip(req)
}

// sessionTransport appends session credentials to every request once logged
// in. The hub correlates calls through an incrementing callnum.
type sessionTransport struct {
	base http.RoundTripper

	mu         sync.Mutex
	sessionID  int
	sessionKey string
	callnum    int
}

func (t *sessionTransport) setSession(id int, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = id
	t.sessionKey = key
	t.callnum = 0
}

func (t *sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	if t.sessionKey == "" {
		t.mu.Unlock()
		return t.base.RoundTrip(req)
	}
	query := url.Values{}
	query.Set("session-id", strconv.Itoa(t.sessionID))
	query.Set("session-key", t.sessionKey)
	query.Set("callnum", strconv.Itoa(t.callnum))
	t.callnum++
	t.mu.Unlock()

	req = req.Clone(req.Context())
	req.URL.RawQuery = query.Encode()
	return t.base.RoundTrip(req)
}
