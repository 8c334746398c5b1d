package keyring

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// readHidden reads one line without echo, preferring the controlling terminal over stdin
func readHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if tty, err := os.Open("/dev/tty"); err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	data, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PromptPassword asks for the password of key without echo
func PromptPassword(key string) (string, error) {
	password, err := readHidden(fmt.Sprintf("Enter password for '%s': ", key))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// PromptAndConfirmPassword asks twice and fails when the answers differ
func PromptAndConfirmPassword(key string) (string, error) {
	first, err := PromptPassword(key)
	if err != nil {
		return "", err
	}

	second, err := readHidden(fmt.Sprintf("Confirm password for '%s': ", key))
	if err != nil {
		return "", fmt.Errorf("failed to read password confirmation: %w", err)
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}
