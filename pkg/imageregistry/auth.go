package imageregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sambabib/archcheck/pkg/cache"
	"github.com/sambabib/archcheck/pkg/fetch"
	"github.com/sambabib/archcheck/pkg/logger"
)

var (
	// ErrUnsupportedAuth is returned when a registry asks for anything but
	// the bearer token exchange.
	ErrUnsupportedAuth = errors.New("registry authentication scheme not supported")
	// ErrAuthFailed is returned when no token could be obtained, with or
	// without credentials.
	ErrAuthFailed = errors.New("registry authentication failed")
)

// Credentials are basic credentials presented to a registry's token endpoint.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// challenge is a parsed WWW-Authenticate header.
type challenge struct {
	Scheme string
	Params map[string]string
}

// parseChallenge parses `Bearer realm="...",service="...",scope="..."`.
func parseChallenge(header string) (challenge, error) {
	header = strings.TrimSpace(header)
	scheme, rest, _ := strings.Cut(header, " ")
	if scheme == "" {
		return challenge{}, fmt.Errorf("empty WWW-Authenticate header")
	}
	c := challenge{Scheme: strings.ToLower(scheme), Params: map[string]string{}}
	for rest = strings.TrimSpace(rest); rest != ""; {
		key, after, ok := strings.Cut(rest, "=")
		if !ok {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		after = strings.TrimSpace(after)
		var value string
		if strings.HasPrefix(after, `"`) {
			end := strings.IndexByte(after[1:], '"')
			if end < 0 {
				return challenge{}, fmt.Errorf("unterminated quoted value for %s", key)
			}
			value = after[1 : end+1]
			after = after[end+2:]
		} else {
			value, after, _ = strings.Cut(after, ",")
			after = "," + after
		}
		c.Params[key] = value
		rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(after), ","))
	}
	return c, nil
}

// tokenResponse is the token endpoint reply. Registries use either field.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// authenticator negotiates and caches pull tokens for one run.
type authenticator struct {
	fetch       *fetch.Client
	credentials map[string]Credentials
	tokens      *cache.Memory[string]
}

func newAuthenticator(f *fetch.Client, creds map[string]Credentials) *authenticator {
	return &authenticator{fetch: f, credentials: creds, tokens: cache.NewMemory[string](0)}
}

func tokenKey(ref Reference) string {
	return cache.Key(ref.Registry, ref.Repository)
}

func (a *authenticator) cached(ctx context.Context, ref Reference) string {
	tok, _, _ := a.tokens.Get(ctx, tokenKey(ref))
	return tok
}

// token answers a 401 challenge with a token scoped to pulling ref.
// Credentials configured for the registry are tried first; if the token
// endpoint rejects them the request is repeated anonymously.
func (a *authenticator) token(ctx context.Context, ref Reference, header string) (string, error) {
	ch, err := parseChallenge(header)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if ch.Scheme != "bearer" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAuth, ch.Scheme)
	}
	realm := ch.Params["realm"]
	if realm == "" {
		return "", fmt.Errorf("%w: challenge has no realm", ErrAuthFailed)
	}

	u, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("%w: invalid realm %q", ErrAuthFailed, realm)
	}
	q := u.Query()
	if svc := ch.Params["service"]; svc != "" {
		q.Set("service", svc)
	}
	q.Set("scope", fmt.Sprintf("repository:%s:pull", ref.Repository))
	u.RawQuery = q.Encode()

	var tok string
	if cred, ok := a.credentials[ref.Registry]; ok && cred.Username != "" {
		tok, err = a.request(ctx, u.String(), &cred)
		if err != nil {
			logger.Debugf("registry %s: credentials rejected, retrying anonymously: %v", ref.Registry, err)
		}
	}
	if tok == "" {
		tok, err = a.request(ctx, u.String(), nil)
		if err != nil {
			return "", err
		}
	}
	a.tokens.Set(ctx, tokenKey(ref), tok)
	return tok, nil
}

func (a *authenticator) request(ctx context.Context, tokenURL string, cred *Credentials) (string, error) {
	req, err := http.NewRequest(http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Password)
	}
	resp, err := a.fetch.Do(ctx, "auth", req)
	if err != nil {
		return "", err
	}
	if err := fetch.CheckStatus(req, resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return "", fmt.Errorf("%w: decode token: %v", ErrAuthFailed, err)
	}
	tok := tr.Token
	if tok == "" {
		tok = tr.AccessToken
	}
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuthFailed)
	}
	return tok, nil
}
