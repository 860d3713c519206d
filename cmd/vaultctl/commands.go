package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

type setupCmd struct {
	Method       string `short:"m" long:"method" default:"passphrase" description:"Primary unlock method"`
	CredentialID string `long:"credential-id" description:"Passkey credential id (base64)"`
	PRFSalt      string `long:"prf-salt" description:"Passkey PRF salt (base64)"`
}

func (c *setupCmd) Execute([]string) error {
	ctx := context.Background()
	user, err := requireUser()
	if err != nil {
		return err
	}
	b, err := bindingFromFlags(c.Method, c.CredentialID, c.PRFSalt)
	if err != nil {
		return err
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	secret, err := promptNewSecret(fmt.Sprintf("New %s for %s: ", b.Method(), user))
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	defer crypto.Zero(key)
	code, err := a.Wrappers.Create(ctx, user, key, b, secret)
	if err != nil {
		return err
	}
	fmt.Printf("Vault created for %s.\nRecovery code (shown once, store it offline):\n\n    %s\n\n", user, code)
	return nil
}

type unlockCmd struct {
	Method string `short:"m" long:"method" default:"passphrase" description:"Unlock method"`
}

func (c *unlockCmd) Execute([]string) error {
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	sess, err := unlockAs(ctx, a, c.Method)
	if err != nil {
		return err
	}
	defer a.Unlocker.Lock(sess)
	fmt.Printf("Unlocked %s with %s (recovery=%t), session would expire at %s\n",
		sess.UserID(), sess.Method(), sess.ViaRecovery(), sess.ExpiresAt().Format(time.RFC3339))
	return nil
}

type methodsCmd struct{}

func (c *methodsCmd) Execute([]string) error {
	ctx := context.Background()
	user, err := requireUser()
	if err != nil {
		return err
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	rec, err := a.Wrappers.Record(ctx, user)
	if err != nil {
		return err
	}
	for _, m := range rec.Methods() {
		mark := ""
		if m == rec.PrimaryMethod {
			mark = " (primary)"
		}
		fmt.Printf("%s%s\n", m, mark)
	}
	return nil
}

type enrollCmd struct {
	With         string `long:"with" default:"passphrase" description:"Method used to unlock first"`
	Method       string `short:"m" long:"method" required:"true" description:"Method to enroll"`
	CredentialID string `long:"credential-id" description:"Passkey credential id (base64)"`
	PRFSalt      string `long:"prf-salt" description:"Passkey PRF salt (base64)"`
}

func (c *enrollCmd) Execute([]string) error {
	ctx := context.Background()
	b, err := bindingFromFlags(c.Method, c.CredentialID, c.PRFSalt)
	if err != nil {
		return err
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	sess, err := unlockAs(ctx, a, c.With)
	if err != nil {
		return err
	}
	defer a.Unlocker.Lock(sess)
	secret, err := promptNewSecret(fmt.Sprintf("New %s: ", b.Method()))
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)
	if _, err := a.Wrappers.Enroll(ctx, sess, b, secret); err != nil {
		return err
	}
	fmt.Printf("Enrolled %s for %s\n", b.Method(), sess.UserID())
	return nil
}

type passwdCmd struct {
	Method string `short:"m" long:"method" default:"passphrase" description:"Method whose secret changes"`
}

func (c *passwdCmd) Execute([]string) error {
	ctx := context.Background()
	m, err := vault.ParseMethod(c.Method)
	if err != nil {
		return err
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	sess, err := unlockAs(ctx, a, c.Method)
	if err != nil {
		return err
	}
	defer a.Unlocker.Lock(sess)
	secret, err := promptNewSecret(fmt.Sprintf("New %s: ", m))
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)
	if err := a.Wrappers.ChangeSecret(ctx, sess, m, secret); err != nil {
		return err
	}
	fmt.Printf("Replaced the %s wrapper for %s\n", m, sess.UserID())
	return nil
}

type removeCmd struct {
	With   string `long:"with" default:"passphrase" description:"Method used to unlock first"`
	Method string `short:"m" long:"method" required:"true" description:"Method to remove"`
}

func (c *removeCmd) Execute([]string) error {
	ctx := context.Background()
	m, err := vault.ParseMethod(c.Method)
	if err != nil {
		return err
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	sess, err := unlockAs(ctx, a, c.With)
	if err != nil {
		return err
	}
	defer a.Unlocker.Lock(sess)
	if err := a.Wrappers.Remove(ctx, sess.UserID(), m); err != nil {
		return err
	}
	fmt.Printf("Removed %s for %s\n", m, sess.UserID())
	return nil
}

type rotateCmd struct {
	With string `long:"with" default:"passphrase" description:"Method used to unlock first"`
}

func (c *rotateCmd) Execute([]string) error {
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	sess, err := unlockAs(ctx, a, c.With)
	if err != nil {
		return err
	}
	defer a.Unlocker.Lock(sess)
	code, err := a.Wrappers.RotateRecovery(ctx, sess)
	if err != nil {
		return err
	}
	fmt.Printf("New recovery code (the old one no longer works):\n\n    %s\n\n", code)
	return nil
}

type tokenCmd struct {
	With  string        `long:"with" default:"passphrase" description:"Method used to unlock first"`
	Scope []string      `short:"s" long:"scope" required:"true" description:"Scope to grant (repeatable)"`
	TTL   time.Duration `long:"ttl" description:"Token lifetime (default from config)"`
}

func (c *tokenCmd) Execute([]string) error {
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	sess, err := unlockAs(ctx, a, c.With)
	if err != nil {
		return err
	}
	defer a.Unlocker.Lock(sess)
	var opts []consent.IssueOption
	if c.TTL > 0 {
		opts = append(opts, consent.WithTokenTTL(c.TTL))
	}
	t, err := a.Consent.Issue(ctx, sess, c.Scope, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "token %s for %s, scope %s, expires %s\n",
		t.ID, t.UserID, strings.Join(t.Scopes, ","), t.ExpiresAt.Format(time.RFC3339))
	fmt.Println(t.Raw)
	return nil
}

type validateCmd struct {
	Scope []string `short:"s" long:"scope" required:"true" description:"Required scope (repeatable)"`
	Args  struct {
		Token string `positional-arg-name:"token" required:"true"`
	} `positional-args:"true"`
}

func (c *validateCmd) Execute([]string) error {
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	t, verr := a.Consent.Validate(ctx, strings.TrimSpace(c.Args.Token), c.Scope)
	out := map[string]any{"valid": verr == nil}
	if verr != nil {
		out["reason"] = consent.Reason(verr)
	}
	if t != nil {
		out["token_id"], out["user_id"], out["scope"], out["expires_at"] = t.ID, t.UserID, t.Scopes, t.ExpiresAt
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return verr
}

type revokeCmd struct {
	All  bool `long:"all" description:"Revoke every token of --user"`
	Args struct {
		TokenID string `positional-arg-name:"token-id"`
	} `positional-args:"true"`
}

func (c *revokeCmd) Execute([]string) error {
	ctx := context.Background()
	if !c.All && c.Args.TokenID == "" {
		return errors.New("token id or --all required")
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if c.All {
		user, err := requireUser()
		if err != nil {
			return err
		}
		n, err := a.Consent.RevokeAll(ctx, user)
		if err != nil {
			return err
		}
		fmt.Printf("Revoked %d tokens of %s\n", n, user)
		return nil
	}
	if err := a.Consent.Revoke(ctx, c.Args.TokenID); err != nil {
		return err
	}
	fmt.Printf("Revoked %s\n", c.Args.TokenID)
	return nil
}

type purgeCmd struct {
	Older time.Duration `long:"older-than" default:"0s" description:"Keep rows that expired less than this long ago"`
}

func (c *purgeCmd) Execute([]string) error {
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	n, err := a.Consent.Purge(ctx, time.Now().Add(-c.Older))
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d expired token rows\n", n)
	return nil
}

func bindingFromFlags(method, credID, prfSalt string) (vault.Binding, error) {
	m, err := vault.ParseMethod(method)
	if err != nil {
		return nil, err
	}
	if m == vault.Recovery {
		return nil, vault.ErrRecoveryBinding
	}
	var cred, salt []byte
	if m == vault.Passkey {
		if cred, err = base64.StdEncoding.DecodeString(credID); err != nil {
			return nil, fmt.Errorf("--credential-id: %w", err)
		}
		if salt, err = base64.StdEncoding.DecodeString(prfSalt); err != nil {
			return nil, fmt.Errorf("--prf-salt: %w", err)
		}
	}
	return vault.BindingFor(m, cred, salt)
}
