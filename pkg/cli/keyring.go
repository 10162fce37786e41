package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName   = "com.teslamotors.pace"
	keyringSecretService = "cardSecret"
	keyringDirectory     = "~/.pace_secrets"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

// PromptSecret reads a line from the terminal without echoing it. The label is printed to stdout,
// or stderr if stdout isn't a terminal.
func PromptSecret(label string) (string, error) {
	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		} else {
			w = os.Stderr
		}
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

func (c *Config) getPassword(label string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	password, err := PromptSecret(label)
	if err != nil {
		return "", err
	}
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	keyring.Debug = c.Debug
	return keyring.Open(c.Backend)
}

func (c *Config) fullSecretName() string {
	return keyringSecretService + "." + c.SecretName
}

// LoadSecretFromKeyring reads the card secret named c.SecretName from the system keyring.
//
// The error wraps [ErrSecretNotFound] if the keyring has no such item.
func (c *Config) LoadSecretFromKeyring() (string, error) {
	if c.SecretName == "" {
		return "", ErrNoSecretName
	}
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}
	item, err := kr.Get(c.fullSecretName())
	if err != nil {
		return "", fmt.Errorf("could not load card secret: %w", err)
	}
	return string(item.Data), nil
}

// SaveSecretToKeyring writes a card secret to the system keyring under c.SecretName.
//
// The name identifies the secret for future use and doesn't need to match anything on the card.
func (c *Config) SaveSecretToKeyring(secret string) error {
	if c.SecretName == "" {
		return ErrNoSecretName
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}

	if err := kr.Set(keyring.Item{
		Key:   c.fullSecretName(),
		Data:  []byte(secret),
		Label: "PACE card secret " + c.SecretName,
	}); err != nil {
		return fmt.Errorf("failed to enroll card secret in keyring: %s", err)
	}
	return nil
}

// DeleteSecret removes the card secret from the system keyring.
func (c *Config) DeleteSecret() error {
	if c.SecretName == "" {
		return ErrNoSecretName
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.fullSecretName())
}
