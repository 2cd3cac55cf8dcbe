package s3

import (
	"fmt"

	"github.com/homezloco/Loco-Coder-sub003/internal/sync"
)

// applyR2 points the client at the account endpoint. R2 has no regions;
// the SDK still needs one for signing.
func applyR2(cfg sync.S3Config, accountID string) (sync.S3Config, error) {
	if !IsValidR2AccountID(accountID) {
		return cfg, fmt.Errorf("invalid R2 account ID %q", accountID)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://" + R2EndpointForAccount(accountID)
	}
	cfg.Region = "auto"
	return cfg, nil
}

// R2EndpointForAccount returns the R2 host for a given account ID.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare
// account ID: 32 hex characters.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
