package keyring

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const (
	// AskpassKeyEnv carries the tunnel key to the askpass helper
	AskpassKeyEnv = "TUNNELMGR_ASKPASS_KEY"
	// AskpassTokenEnv carries the per-launch token the manager checks before answering
	AskpassTokenEnv = "TUNNELMGR_ASKPASS_TOKEN"
	// AskpassSocketEnv tells the helper which manager launched it
	AskpassSocketEnv = "TUNNELMGR_ASKPASS_SOCKET"
)

// NewAskpassToken returns a random token for one tunnel launch
func NewAskpassToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate askpass token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AskpassEnv returns the environment that makes ssh ask this binary for the
// password of key instead of a terminal. The helper asks the manager on
// socketPath, which only answers to token.
func AskpassEnv(key, token, socketPath string) ([]string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	return []string{
		"SSH_ASKPASS=" + execPath,
		// OpenSSH 8.4+
		"SSH_ASKPASS_REQUIRE=force",
		// Older clients only use askpass with a display set
		"DISPLAY=:0",
		AskpassKeyEnv + "=" + key,
		AskpassTokenEnv + "=" + token,
		AskpassSocketEnv + "=" + socketPath,
	}, nil
}
