// Package secrets resolves credential references from the pipeline
// configuration. A reference names its scheme: "env:NAME" reads an
// environment variable, "file:/path" reads a file, and "aws-sm:secret-id"
// fetches the secret from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

var (
	ErrSecret        apperrors.Error = apperrors.New("secret error")
	ErrUnknownScheme apperrors.Error = ErrSecret.New("unknown secret scheme")
	ErrNotFound      apperrors.Error = ErrSecret.New("secret not found")
	ErrBadFormat     apperrors.Error = ErrSecret.New("malformed secret value")
)

// Credentials is a username/password pair for basic-auth endpoints.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Resolver turns a credential reference into secret material.
type Resolver interface {
	ResolveString(ctx context.Context, ref string) (string, apperrors.Error)
	ResolveCredentials(ctx context.Context, ref string) (Credentials, apperrors.Error)
}

type resolver struct {
	sm secretsManagerAPI
}

// NewResolver returns a Resolver handling the env, file and aws-sm schemes.
// The AWS client is created lazily on first aws-sm reference.
func NewResolver() Resolver {
	return &resolver{}
}

func (r *resolver) ResolveString(ctx context.Context, ref string) (string, apperrors.Error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		// Bare values are taken literally. Lets tests and local runs put
		// the DSN straight into the config file.
		return ref, nil
	}
	switch scheme {
	case "env":
		val, found := os.LookupEnv(rest)
		if !found {
			return "", ErrNotFound.New("environment variable not set: " + rest)
		}
		return val, nil
	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return "", ErrNotFound.New("unable to read secret file").Err(err)
		}
		return strings.TrimSpace(string(data)), nil
	case "aws-sm":
		return r.resolveFromSecretsManager(ctx, rest)
	default:
		return ref, nil
	}
}

func (r *resolver) ResolveCredentials(ctx context.Context, ref string) (Credentials, apperrors.Error) {
	raw, err := r.ResolveString(ctx, ref)
	if err != nil {
		return Credentials{}, err
	}
	return ParseCredentials(raw)
}

// ParseCredentials accepts either a JSON object with username/password keys
// or a "user:password" pair.
func ParseCredentials(raw string) (Credentials, apperrors.Error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var creds Credentials
		if err := json.Unmarshal([]byte(raw), &creds); err != nil {
			return Credentials{}, ErrBadFormat.Err(err)
		}
		if creds.Username == "" {
			return Credentials{}, ErrBadFormat.New("secret JSON missing username")
		}
		return creds, nil
	}
	user, pass, ok := strings.Cut(raw, ":")
	if !ok || user == "" {
		return Credentials{}, ErrBadFormat.New(fmt.Sprintf("expected user:password or JSON, got %d bytes", len(raw)))
	}
	return Credentials{Username: user, Password: pass}, nil
}
