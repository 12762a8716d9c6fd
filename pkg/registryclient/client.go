// Package registryclient implements OCI Distribution v2 bearer-token
// authentication: per-(image, permission) token caching, the Docker Hub and
// generic-registry login flows, and the GitHub Container Registry shortcut.
package registryclient

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ocitool/ocitool/pkg/ociref"
)

const defaultRegistryURL = "https://registry-1.docker.io"

// Permission is a requested scope against a repository. Push implies Pull:
// a cached Pull-only token is insufficient once Push is requested and
// triggers a fresh login.
type Permission int

const (
	Pull Permission = iota
	Push
)

func (p Permission) scope() string {
	if p == Push {
		return "pull,push"
	}
	return "pull"
}

// satisfies reports whether a token cached for "have" satisfies a request
// for "want".
func (have Permission) satisfies(want Permission) bool {
	return have >= want
}

type cachedToken struct {
	token      string
	permission Permission
}

// Client is a bearer-token-caching OCI registry client. One Client should be
// shared across every downloader/uploader in a single run so the bearer
// cache is actually shared, matching the pull pipeline's login-once-per-run
// design.
type Client struct {
	log   *zap.SugaredLogger
	http  *http.Client
	creds CredentialSource

	mu     sync.Mutex
	bearer map[string]cachedToken // keyed by image full name without registry prefix
}

// New builds a Client. If creds is nil, only anonymous (public) pulls are
// possible.
func New(log *zap.SugaredLogger, creds CredentialSource) *Client {
	transport := &http.Transport{MaxIdleConnsPerHost: 16}
	_ = http2.ConfigureTransport(transport)

	return &Client{
		log:    log,
		http:   &http.Client{Transport: transport},
		creds:  creds,
		bearer: make(map[string]cachedToken),
	}
}

// RateLimiter returns an unbounded limiter (rate.Inf) a caller may wrap
// requests with; the Client itself does not use one.
func RateLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// cacheKey is the bearer-cache key for ref: its full name, which Parse
// already stores without the registry host, so tokens are cached by image
// identity rather than by registry+image.
func cacheKey(ref ociref.Reference) string {
	return ref.FullName
}

// authURL returns the token-issuing endpoint for ref: Docker Hub's
// dedicated auth host, or "{registry}/auth" for anything else (a
// best-effort generic-registry default; registries with out-of-band auth
// discovery are expected to supply credentials via the docker/config.json
// fallback instead).
func authURL(ref ociref.Reference) string {
	if ref.RegistryURL == defaultRegistryURL {
		return "https://auth.docker.io/token"
	}
	return ref.RegistryURL + "/auth"
}

// Login obtains (or reuses) a bearer token for ref at the given permission
// and caches it. Safe for concurrent use.
func (c *Client) Login(ref ociref.Reference, permission Permission) (string, error) {
	key := cacheKey(ref)

	c.mu.Lock()
	if cached, ok := c.bearer[key]; ok && cached.permission.satisfies(permission) {
		c.mu.Unlock()
		return cached.token, nil
	}
	c.mu.Unlock()

	var token string
	var err error
	if ref.IsGitHubRegistry() {
		token, err = c.loginGitHub(ref, permission)
	} else {
		token, err = c.loginGeneric(ref, permission)
	}
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.bearer[key] = cachedToken{token: token, permission: permission}
	c.mu.Unlock()

	return token, nil
}

// loginGitHub builds a bearer value for ghcr.io without a network round
// trip: a base64-encoded password (a personal access token), falling back
// to the GITHUB_TOKEN environment variable when no password was supplied.
// With no credential available at all, it falls through to the regular
// bearer-token exchange, which still succeeds anonymously for a public
// image.
func (c *Client) loginGitHub(ref ociref.Reference, permission Permission) (string, error) {
	_, password := c.lookupCreds(ref)
	if password == "" {
		password = os.Getenv("GITHUB_TOKEN")
	}
	if password == "" {
		return c.loginGeneric(ref, permission)
	}
	return base64.StdEncoding.EncodeToString([]byte(password)), nil
}

// loginGeneric performs the Distribution v2 bearer-token exchange:
// GET {authURL}?service={service}&scope=repository:{name}:{scope}
func (c *Client) loginGeneric(ref ociref.Reference, permission Permission) (string, error) {
	scope := fmt.Sprintf("repository:%s:%s", ref.FullName, permission.scope())
	url := fmt.Sprintf("%s?service=%s&scope=%s", authURL(ref), ref.Service, scope)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("registryclient: building login request: %w", err)
	}

	username, password := c.lookupCreds(ref)
	if username != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("registryclient: login request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("registryclient: reading login response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("registryclient: login to %s failed: %s: %s", ref.FullName, resp.Status, string(body))
	}

	token, ok := extractToken(body)
	if !ok {
		// Some minimal registries respond with the raw token as the
		// entire response body rather than a JSON envelope. An empty body
		// yields an empty token, sent as a bare "Bearer " header.
		token = strings.TrimSpace(string(body))
	}
	return token, nil
}

// extractToken looks for "access_token" first, then "token", in a JSON
// login response body, matching the two key names registries in the wild
// actually use.
func extractToken(body []byte) (string, bool) {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", false
	}
	if v, ok := envelope["access_token"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := envelope["token"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func (c *Client) lookupCreds(ref ociref.Reference) (username, password string) {
	if c.creds == nil {
		return "", ""
	}
	creds, ok := c.creds.Lookup(ref.RegistryURL)
	if !ok {
		return "", ""
	}
	return creds.Username, creds.Password
}

// AuthHeaders returns the headers to attach to a distribution API request
// for ref at the given permission, re-logging in if the cached token was
// obtained at a lower permission than requested.
func (c *Client) AuthHeaders(ref ociref.Reference, permission Permission) (http.Header, error) {
	token, err := c.Login(ref, permission)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// Do performs an HTTP request through the client's shared transport.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// HTTPClient exposes the underlying *http.Client for packages that need to
// build requests themselves (downloader, uploader).
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Logger returns the client's logger.
func (c *Client) Logger() *zap.SugaredLogger {
	return c.log
}
