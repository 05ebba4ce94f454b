package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

const maxPromptAttempts = 3

// terminalPassword reads a password from the controlling terminal without
// echo. With confirm set it is asked for twice and must match.
func terminalPassword(prompt string, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password prompt needs an interactive terminal")
	}

	for attempt := 1; attempt <= maxPromptAttempts; attempt++ {
		remaining := maxPromptAttempts - attempt

		fmt.Fprint(os.Stderr, prompt)
		pw1, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(pw1) == 0 {
			if remaining > 0 {
				fmt.Fprintf(os.Stderr, "Password must not be empty. %d attempt(s) remaining.\n", remaining)
			}
			continue
		}
		if !confirm {
			return string(pw1), nil
		}

		fmt.Fprint(os.Stderr, "Confirm password: ")
		pw2, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		if string(pw1) != string(pw2) {
			if remaining > 0 {
				fmt.Fprintf(os.Stderr, "Passwords do not match. %d attempt(s) remaining.\n", remaining)
			}
			continue
		}
		return string(pw1), nil
	}
	return "", errors.New("no password entered")
}
