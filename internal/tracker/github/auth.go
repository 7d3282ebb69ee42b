package github

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	ierr "github.com/mark3labs/taskloop/internal/errors"
	"github.com/mark3labs/taskloop/internal/logger"
)

// credentialHelperTimeout bounds how long the external helper may take.
const credentialHelperTimeout = 10 * time.Second

// AuthConfig describes where the token may come from. Resolution order,
// first available wins: external credential helper (when the method asks
// for it), then the configured environment variable, then a token
// embedded in configuration.
type AuthConfig struct {
	Method   string // "external-helper" or "token"
	TokenEnv string // Environment variable holding the token
	Token    string // Config-embedded token, discouraged
}

// ResolveToken walks the credential chain and returns the first token it
// finds. When every source comes up empty it returns a single AuthError
// naming what was tried and how to fix it; there is no unauthenticated
// fallback.
func ResolveToken(ctx context.Context, cfg AuthConfig) (string, error) {
	tried := []string{}

	if cfg.Method == "external-helper" {
		token, err := helperToken(ctx)
		if err != nil {
			logger.Debug("Credential helper unavailable: %v", err)
		}
		if token != "" {
			logger.Debug("Using token from gh credential helper")
			return token, nil
		}
		tried = append(tried, "gh credential helper")
	}

	if cfg.TokenEnv != "" {
		if token := strings.TrimSpace(os.Getenv(cfg.TokenEnv)); token != "" {
			logger.Debug("Using token from $%s", cfg.TokenEnv)
			return token, nil
		}
		tried = append(tried, "$"+cfg.TokenEnv)
	}

	if token := strings.TrimSpace(cfg.Token); token != "" {
		logger.Warn("Using token embedded in configuration; prefer %s or the gh helper", envOrDefault(cfg.TokenEnv))
		return token, nil
	}
	tried = append(tried, "tracker.github.token config value")

	return "", &ierr.AuthError{
		Source:      strings.Join(tried, ", "),
		Remediation: "run `gh auth login`, or export " + envOrDefault(cfg.TokenEnv),
	}
}

// helperToken shells out to `gh auth token`, the credential helper the
// GitHub CLI installs. Missing binary or a failed invocation is not an
// error here; the chain just moves on.
func helperToken(ctx context.Context) (string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, credentialHelperTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "gh", "auth", "token").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func envOrDefault(env string) string {
	if env == "" {
		return "$GITHUB_TOKEN"
	}
	return "$" + env
}
