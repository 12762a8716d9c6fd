package registryclient

import (
	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/types"
)

// dockerConfigSource resolves credentials from the user's
// ~/.docker/config.json, including native credential-helper-backed entries,
// via docker/cli's own config loader.
type dockerConfigSource struct {
	authConfigs map[string]types.AuthConfig
}

// FromDockerConfig loads ~/.docker/config.json (following any
// credsStore/credHelpers it declares) as a CredentialSource. Returns a
// source with no entries if the file doesn't exist or can't be parsed —
// this is a best-effort fallback, not a required credential source.
func FromDockerConfig() CredentialSource {
	cfg, err := config.Load(config.Dir())
	if err != nil {
		return dockerConfigSource{}
	}
	all, err := cfg.GetAllCredentials()
	if err != nil {
		return dockerConfigSource{}
	}
	return dockerConfigSource{authConfigs: all}
}

func (s dockerConfigSource) Lookup(registryURL string) (Credentials, bool) {
	host := stripScheme(registryURL)
	auth, ok := s.authConfigs[host]
	if !ok || auth.Username == "" {
		return Credentials{}, false
	}
	return Credentials{Username: auth.Username, Password: auth.Password}, true
}

func stripScheme(url string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(url) > len(prefix) && url[:len(prefix)] == prefix {
			return url[len(prefix):]
		}
	}
	return url
}
