package githubapi

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

func privateKeyPEM(t *testing.T) []byte {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() unexpected error: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
}

func writePrivateKeyPEM(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(path, privateKeyPEM(t), 0o600); err != nil {
		t.Fatalf("os.WriteFile() unexpected error: %v", err)
	}
	return path
}

func TestNewAppHTTPClient(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	validKeyPath := writePrivateKeyPEM(t, tempDir)
	invalidKeyPath := filepath.Join(tempDir, "invalid.pem")
	if err := os.WriteFile(invalidKeyPath, []byte("not-a-key"), 0o600); err != nil {
		t.Fatalf("os.WriteFile(invalid) unexpected error: %v", err)
	}

	testCases := []struct {
		name        string
		config      AppAuthConfig
		wantErr     bool
		errContains string
		wantBaseURL string
	}{
		{
			name:        "invalid_app_id",
			config:      AppAuthConfig{AppID: 0, InstallationID: 1, PrivateKeyPath: validKeyPath},
			wantErr:     true,
			errContains: "app id",
		},
		{
			name:        "invalid_installation_id",
			config:      AppAuthConfig{AppID: 1, InstallationID: 0, PrivateKeyPath: validKeyPath},
			wantErr:     true,
			errContains: "installation id",
		},
		{
			name:        "missing_private_key",
			config:      AppAuthConfig{AppID: 1, InstallationID: 1},
			wantErr:     true,
			errContains: "private key path",
		},
		{
			name:        "invalid_private_key_file",
			config:      AppAuthConfig{AppID: 1, InstallationID: 1, PrivateKeyPath: invalidKeyPath},
			wantErr:     true,
			errContains: "create github app transport",
		},
		{
			name:        "key_from_file",
			config:      AppAuthConfig{AppID: 1, InstallationID: 1, PrivateKeyPath: validKeyPath},
			wantBaseURL: "https://api.github.com",
		},
		{
			name: "inline_key_with_enterprise_base_url",
			config: AppAuthConfig{
				AppID:          1,
				InstallationID: 1,
				PrivateKey:     privateKeyPEM(t),
				BaseURL:        "https://github.example.com/api/v3/",
			},
			wantBaseURL: "https://github.example.com/api/v3",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewAppHTTPClient(tc.config)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NewAppHTTPClient() expected error, got nil")
				}
				if !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("error = %q, missing %q", err.Error(), tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAppHTTPClient() unexpected error: %v", err)
			}

			transport, ok := client.Transport.(*ghinstallation.Transport)
			if !ok {
				t.Fatalf("client.Transport = %T, want *ghinstallation.Transport", client.Transport)
			}
			if transport.BaseURL != tc.wantBaseURL {
				t.Fatalf("BaseURL = %q, want %q", transport.BaseURL, tc.wantBaseURL)
			}
		})
	}
}

func TestAppAuthConfigEnabled(t *testing.T) {
	t.Parallel()

	if (AppAuthConfig{}).Enabled() {
		t.Fatalf("Enabled() = true for empty config, want false")
	}
	if !(AppAuthConfig{AppID: 7}).Enabled() {
		t.Fatalf("Enabled() = false with app id, want true")
	}
}
