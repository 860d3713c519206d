// Command vaultctl administers vaults and consent tokens against the
// configured storage backend.
package main

import (
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	ConfigFile string `short:"C" long:"config" description:"Path to configuration file" default:"consentd.yaml"`
	User       string `short:"u" long:"user" description:"Vault user id" env:"VAULTCTL_USER"`
	Verbose    bool   `short:"v" long:"verbose" description:"Log service events to stderr"`
}

var global globalOptions

func main() {
	parser := flags.NewNamedParser("vaultctl", flags.Default)
	if _, err := parser.AddGroup("Global Options", "", &global); err != nil {
		fatal(err)
	}
	commands := []struct {
		name, short string
		data        any
	}{
		{"setup", "Create a vault with a new key and print its recovery code", &setupCmd{}},
		{"unlock", "Check that a method unlocks the vault", &unlockCmd{}},
		{"methods", "List enrolled unlock methods", &methodsCmd{}},
		{"enroll", "Enroll an additional unlock method", &enrollCmd{}},
		{"passwd", "Replace the secret of an enrolled method", &passwdCmd{}},
		{"remove", "Remove an unlock method", &removeCmd{}},
		{"rotate-recovery", "Replace the recovery code", &rotateCmd{}},
		{"token", "Issue a consent token", &tokenCmd{}},
		{"validate", "Validate a consent token", &validateCmd{}},
		{"revoke", "Revoke a consent token", &revokeCmd{}},
		{"purge", "Delete expired consent token rows", &purgeCmd{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, "", c.data); err != nil {
			fatal(err)
		}
	}
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) {
			if ferr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			// go-flags already printed it.
			os.Exit(2)
		}
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "vaultctl:", err)
	os.Exit(1)
}
