package githubapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

// AppAuthConfig configures GitHub App installation authentication.
type AppAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	// PrivateKey takes precedence over PrivateKeyPath when set.
	PrivateKey []byte
	// BaseURL points token minting at GitHub Enterprise Server. Empty means github.com.
	BaseURL       string
	BaseTransport http.RoundTripper
}

// Enabled reports whether any App credential field is set.
func (c AppAuthConfig) Enabled() bool {
	return c.AppID != 0 || c.InstallationID != 0 || strings.TrimSpace(c.PrivateKeyPath) != "" || len(c.PrivateKey) > 0
}

// NewAppHTTPClient creates an HTTP client that authenticates every request as
// one GitHub App installation. The per-call timeout is enforced by the executor.
func NewAppHTTPClient(cfg AppAuthConfig) (*http.Client, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if len(cfg.PrivateKey) == 0 && strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	var (
		transport *ghinstallation.Transport
		err       error
	)
	if len(cfg.PrivateKey) > 0 {
		transport, err = ghinstallation.New(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKey)
	} else {
		transport, err = ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}

	if baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" && baseURL != DefaultAPIBaseURL {
		transport.BaseURL = baseURL
	}

	return &http.Client{Transport: transport}, nil
}
