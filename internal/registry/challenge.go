package registry

import (
	"fmt"
	"strings"
)

// challenge is a parsed "WWW-Authenticate: Bearer ..." header, per
// spec.md §4.2 / §6.
type challenge struct {
	realm   string
	service string
	scope   string
}

// parseChallenge parses a Bearer WWW-Authenticate header value into
// its realm/service/scope parameters.
func parseChallenge(header string) (challenge, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return challenge{}, fmt.Errorf("unsupported auth scheme in %q", header)
	}
	params := parseAuthParams(strings.TrimPrefix(header, prefix))

	c := challenge{
		realm:   params["realm"],
		service: params["service"],
		scope:   params["scope"],
	}
	if c.realm == "" {
		return challenge{}, fmt.Errorf("missing realm in WWW-Authenticate header %q", header)
	}
	return c, nil
}

// parseAuthParams splits a comma-separated list of key="value" pairs.
// It tolerates commas inside quoted values (scopes can list several
// actions separated by commas inside the quotes in some registries).
func parseAuthParams(s string) map[string]string {
	out := map[string]string{}
	var key strings.Builder
	var val strings.Builder
	inValue := false
	inQuotes := false

	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			out[k] = val.String()
		}
		key.Reset()
		val.Reset()
		inValue = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case !inValue && c == '=':
			inValue = true
		case inValue && c == '"':
			inQuotes = !inQuotes
		case !inQuotes && c == ',':
			flush()
		case inValue:
			val.WriteByte(c)
		default:
			key.WriteByte(c)
		}
	}
	flush()
	return out
}
