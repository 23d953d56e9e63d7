package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// runLoginCommand signs in and primes the session cache.
func runLoginCommand(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email (prompted if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := initDependenciesFn()
	if err != nil {
		return err
	}
	defer deps.Close()

	address := strings.TrimSpace(*email)
	if address == "" {
		address, err = promptLine("Email: ")
		if err != nil {
			return err
		}
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}

	session, err := deps.sessions.SignIn(context.Background(), address, password)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s\n", session.User.Email)
	return nil
}

// runLogoutCommand signs out and clears the cached session.
func runLogoutCommand(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := initDependenciesFn()
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.sessions.SignOut(context.Background()); err != nil {
		// The local session is cleared regardless of what the server said.
		fmt.Fprintf(os.Stderr, "Warning: remote sign-out failed: %v\n", err)
	}
	fmt.Println("Signed out.")
	return nil
}

// runResetPasswordCommand sends the password reset email.
func runResetPasswordCommand(args []string) error {
	fs := flag.NewFlagSet("reset-password", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" {
		return fmt.Errorf("usage: camflow reset-password -email <email>")
	}

	deps, err := initDependenciesFn()
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.sessions.ResetPassword(context.Background(), *email); err != nil {
		return err
	}
	fmt.Printf("Password reset email sent to %s\n", *email)
	return nil
}

// runWhoamiCommand prints the signed-in user.
func runWhoamiCommand(args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := initDependenciesFn()
	if err != nil {
		return err
	}
	defer deps.Close()

	user, err := deps.sessions.CurrentUser(context.Background())
	if err != nil {
		return err
	}
	if user == nil {
		fmt.Println("Not signed in. Run 'camflow login'.")
		return nil
	}
	fmt.Printf("%s (%s)\n", user.Email, user.ID)
	return nil
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		data, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return promptLine("")
}
