package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/hushh-labs/consent-protocol-sub006/internal/app"
	"github.com/hushh-labs/consent-protocol-sub006/internal/config"
	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

var errNoUser = errors.New("--user is required")

// open loads the config and assembles the services for one command.
func open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(global.ConfigFile)
	if err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if global.Verbose {
		if log, err = app.NewLogger(cfg.Log, os.Stderr); err != nil {
			return nil, err
		}
	}
	return app.New(ctx, cfg, log)
}

func requireUser() (string, error) {
	if global.User == "" {
		return "", errNoUser
	}
	return global.User, nil
}

var stdin = bufio.NewReader(os.Stdin)

// promptSecret reads a secret without echo from a terminal, or one line from
// a pipe.
func promptSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, errors.New("empty secret")
		}
		return b, nil
	}
	line, err := stdin.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, errors.New("empty secret")
	}
	return line, nil
}

// promptNewSecret asks twice when interactive.
func promptNewSecret(prompt string) ([]byte, error) {
	first, err := promptSecret(prompt)
	if err != nil {
		return nil, err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}
	again, err := promptSecret("Repeat: ")
	if err != nil {
		crypto.Zero(first)
		return nil, err
	}
	defer crypto.Zero(again)
	if !bytes.Equal(first, again) {
		crypto.Zero(first)
		return nil, errors.New("secrets do not match")
	}
	return first, nil
}

// unlockAs unlocks the vault of the global user with method m, prompting for
// its secret.
func unlockAs(ctx context.Context, a *app.App, m string) (*vault.Session, error) {
	user, err := requireUser()
	if err != nil {
		return nil, err
	}
	method, err := vault.ParseMethod(m)
	if err != nil {
		return nil, err
	}
	secret, err := promptSecret(fmt.Sprintf("%s for %s: ", method, user))
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)
	return a.Unlocker.Unlock(ctx, user, method, secret)
}
