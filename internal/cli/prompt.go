package cli

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/leapcode/blobsync/internal/crypto"
)

// promptSecret reads the hex master secret from the terminal without echo.
// A piped stdin is read as a single line instead.
func promptSecret() ([]byte, error) {
	var line string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Master secret (hex): ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read secret: %w", err)
		}
		line = string(raw)
	} else {
		raw, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && raw == "" {
			return nil, fmt.Errorf("read secret: %w", err)
		}
		line = raw
	}
	secret, err := hex.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("decode master secret: %w", err)
	}
	if len(secret) != crypto.SecretLength {
		return nil, fmt.Errorf("master secret must be %d bytes, got %d", crypto.SecretLength, len(secret))
	}
	return secret, nil
}
