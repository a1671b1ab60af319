package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// promptSecret reads a network secret from the controlling TTY without
// echoing it, the way the teacher's join/init commands prompt for an
// encryption password.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(b), nil
}
