/*
Package cli facilitates building command-line applications that run PACE against eID cards. It
defines a [Config] type that can be used to register common command-line flags (using the Golang
flag package), environment variable equivalents and a YAML profile.

The package uses [keyring]'s platform-agnostic interface for storing card secrets (PIN, CAN, PUK
or MRZ information) in an OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the reader, PACE options, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	if err := config.LoadProfile(); err != nil { // Fills in remaining fields from -profile
		panic(err)
	}

	card, err := config.Connect(ctx)
	if err != nil {
		panic(err)
	}
	defer card.Close()
	defer config.UpdateCachedSession(card)

	if err := config.StartPACE(ctx, card); err != nil {
		panic(err)
	}

Use a [Flag] mask to control what [Config] fields are populated. Note that config.Flags must be set
before calling [flag.Parse] or [Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagReader) // Plain card access only, no PACE options.
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/99designs/keyring"

	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/cache"
	"github.com/teslamotors/pace-terminal/pkg/card"
	"github.com/teslamotors/pace-terminal/pkg/connector"
	"github.com/teslamotors/pace-terminal/pkg/connector/pcsc"
	"github.com/teslamotors/pace-terminal/pkg/connector/sim"
	"github.com/teslamotors/pace-terminal/pkg/pace"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvReader       = "PACE_READER"
	EnvSimulate     = "PACE_SIMULATE"
	EnvProtocol     = "PACE_PROTOCOL"
	EnvParameterID  = "PACE_PARAMETER_ID"
	EnvPasswordType = "PACE_PASSWORD_TYPE"
	EnvPassword     = "PACE_PASSWORD"
	EnvSecretName   = "PACE_SECRET_NAME"
	EnvTerminal     = "PACE_TERMINAL"
	EnvHookBefore   = "PACE_HOOK_BEFORE"
	EnvHookAfter    = "PACE_HOOK_AFTER"
	EnvCacheFile    = "PACE_CACHE_FILE"
	EnvProfile      = "PACE_PROFILE"
	EnvKeyringType  = "PACE_KEYRING_TYPE"
	EnvKeyringPass  = "PACE_KEYRING_PASSWORD"
	EnvKeyringPath  = "PACE_KEYRING_PATH"
	EnvKeyringDebug = "PACE_KEYRING_DEBUG"
)

// Defaults used when neither flags, environment nor profile select a value.
const (
	DefaultPasswordType = "pin"
	DefaultTerminal     = "at"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagReader  Flag = 1  // Enable reader selection options.
	FlagPACE    Flag = 2  // Enable PACE options. Required for protected commands.
	FlagCache   Flag = 4  // Enable the session cache option.
	FlagKeyring Flag = 8  // Enable keyring options for stored card secrets.
	FlagProfile Flag = 16 // Enable the YAML profile option.
	FlagAll     Flag = FlagReader | FlagPACE | FlagCache | FlagKeyring | FlagProfile
)

var (
	ErrNoSecretName   = errors.New("card secret name not provided")
	ErrSecretNotFound = keyring.ErrKeyNotFound
)

// Config fields determine which reader is used and how a client authenticates to a card.
type Config struct {
	Flags       Flag // Controls which set of environment variables/CLI flags to use.
	Reader      string
	WaitForCard bool
	Simulate    bool

	// ProtocolName is a PACE protocol name or dotted OID. When empty, the protocol announced in
	// EF.CardAccess is used.
	ProtocolName string
	// ParameterID overrides the domain parameter ID announced in EF.CardAccess. Negative values
	// mean no override.
	ParameterID  int
	PasswordType string // mrz, can, pin or puk
	Terminal     string // none, is, at or st
	// Secret is the card secret. It's never read from the command line.
	Secret     string
	SecretName string // Keyring name of the card secret
	HookBefore string // Command line run before MSE:Set AT
	HookAfter  string // Command line run after MSE:Set AT

	CacheFilename   string
	ProfileFilename string
	Backend         keyring.Config
	BackendType     backendType
	Debug           bool // Enable keyring debug messages

	password *string
	sessions *cache.SessionCache
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags:       flags,
		ParameterID: -1,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagReader) {
		flag.StringVar(&c.Reader, "reader", "", "PC/SC reader `index or name fragment`. Defaults to $PACE_READER, then the first reader.")
		flag.BoolVar(&c.WaitForCard, "wait", false, "Wait for a card to be inserted")
		flag.BoolVar(&c.Simulate, "simulate", false, "Talk to a simulated chip instead of a PC/SC reader")
	}
	if c.Flags.isSet(FlagPACE) {
		flag.StringVar(&c.ProtocolName, "protocol", "", "PACE protocol `name or OID`. Defaults to $PACE_PROTOCOL, then the protocol announced in EF.CardAccess.")
		flag.IntVar(&c.ParameterID, "parameter-id", -1, "Domain parameter `ID`. Defaults to $PACE_PARAMETER_ID, then the ID announced in EF.CardAccess.")
		flag.StringVar(&c.PasswordType, "password-type", "", "Password `type` (mrz|can|pin|puk). Defaults to $PACE_PASSWORD_TYPE, then pin.")
		flag.StringVar(&c.Terminal, "terminal", "", "Terminal `role` (none|is|at|st). Defaults to $PACE_TERMINAL, then at.")
		flag.StringVar(&c.SecretName, "secret-name", "", "System keyring `name` for the card secret. Defaults to $PACE_SECRET_NAME.")
		flag.StringVar(&c.HookBefore, "hook-before", "", "`Command` to start immediately before MSE:Set AT")
		flag.StringVar(&c.HookAfter, "hook-after", "", "`Command` to start immediately after MSE:Set AT")
	}
	if c.Flags.isSet(FlagCache) {
		flag.StringVar(&c.CacheFilename, "session-cache", "", "Load session info cache from `file`. Defaults to $PACE_CACHE_FILE.")
	}
	if c.Flags.isSet(FlagProfile) {
		flag.StringVar(&c.ProfileFilename, "profile", "", "YAML profile `file` with default options. Defaults to $PACE_PROFILE.")
	}
	if c.Flags.isSet(FlagKeyring) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $PACE_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagReader) {
		if c.Reader == "" {
			c.Reader = os.Getenv(EnvReader)
			log.Debug("Set reader to '%s'", c.Reader)
		}
		if !c.Simulate {
			if value, ok := os.LookupEnv(EnvSimulate); ok {
				c.Simulate = value != "false" && value != "0"
				log.Debug("Set simulated chip to %v", c.Simulate)
			}
		}
	}
	if c.Flags.isSet(FlagPACE) {
		if c.ProtocolName == "" {
			c.ProtocolName = os.Getenv(EnvProtocol)
			log.Debug("Set protocol to '%s'", c.ProtocolName)
		}
		if c.ParameterID < 0 {
			if value, ok := os.LookupEnv(EnvParameterID); ok {
				if id, err := strconv.Atoi(value); err == nil {
					c.ParameterID = id
					log.Debug("Set parameter ID to %d", c.ParameterID)
				} else {
					log.Warning("Ignoring %s: %s", EnvParameterID, err)
				}
			}
		}
		if c.PasswordType == "" {
			c.PasswordType = os.Getenv(EnvPasswordType)
			log.Debug("Set password type to '%s'", c.PasswordType)
		}
		if c.Terminal == "" {
			c.Terminal = os.Getenv(EnvTerminal)
			log.Debug("Set terminal to '%s'", c.Terminal)
		}
		if c.Secret == "" {
			c.Secret = os.Getenv(EnvPassword)
			if len(c.Secret) > 0 {
				log.Debug("Set card secret to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.SecretName == "" {
			c.SecretName = os.Getenv(EnvSecretName)
			log.Debug("Set card secret name to '%s'", c.SecretName)
		}
		if c.HookBefore == "" {
			c.HookBefore = os.Getenv(EnvHookBefore)
		}
		if c.HookAfter == "" {
			c.HookAfter = os.Getenv(EnvHookAfter)
		}
	}
	if c.Flags.isSet(FlagCache) {
		if c.CacheFilename == "" {
			c.CacheFilename = os.Getenv(EnvCacheFile)
			log.Debug("Set session cache file to '%s'", c.CacheFilename)
		}
	}
	if c.Flags.isSet(FlagProfile) {
		if c.ProfileFilename == "" {
			c.ProfileFilename = os.Getenv(EnvProfile)
		}
	}
	if c.Flags.isSet(FlagKeyring) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

// PasswordReference returns the configured password type, pin by default.
func (c *Config) PasswordReference() (protocol.PasswordReference, error) {
	name := c.PasswordType
	if name == "" {
		name = DefaultPasswordType
	}
	var ref protocol.PasswordReference
	if err := ref.Set(name); err != nil {
		return 0, err
	}
	return ref, nil
}

// TerminalReference returns the configured terminal role, at by default.
func (c *Config) TerminalReference() (protocol.TerminalReference, error) {
	name := c.Terminal
	if name == "" {
		name = DefaultTerminal
	}
	var ref protocol.TerminalReference
	if err := ref.Set(name); err != nil {
		return 0, err
	}
	return ref, nil
}

// PACEConfig builds the handshake configuration. The access argument holds the chip's EF.CardAccess
// and may be nil if c names a protocol with standardized domain parameters.
func (c *Config) PACEConfig(access *protocol.CardAccess) (pace.Config, error) {
	password, err := c.PasswordReference()
	if err != nil {
		return pace.Config{}, err
	}
	terminal, err := c.TerminalReference()
	if err != nil {
		return pace.Config{}, err
	}
	secret, err := c.CardSecret(password)
	if err != nil {
		return pace.Config{}, err
	}

	var config pace.Config
	if c.ProtocolName == "" {
		if access == nil {
			return pace.Config{}, protocol.NewError(protocol.KindUnsupportedParameters, "no protocol selected and EF.CardAccess unavailable")
		}
		if config, err = pace.ConfigFromCardAccess(access, password, secret, terminal); err != nil {
			return pace.Config{}, err
		}
	} else {
		p, err := protocol.ParseProtocolString(c.ProtocolName)
		if err != nil {
			return pace.Config{}, err
		}
		config = pace.Config{Protocol: p, ParameterID: -1, Password: password, Secret: secret, Terminal: terminal}
		if access != nil {
			for _, info := range access.PACE {
				if info.Protocol.OID.Equal(p.OID) {
					config.ParameterID = info.ParameterID
					break
				}
			}
		}
	}
	if c.ParameterID >= 0 {
		config.ParameterID = c.ParameterID
		config.DomainParameters = nil
	}
	if access != nil && config.DomainParameters == nil && !protocol.IsStandardParameterID(config.ParameterID) {
		if d, ok := access.DomainParameterInfo(config.ParameterID); ok {
			config.DomainParameters = &d
		}
	}

	if config.BeforeSetAT, err = CommandHook(c.HookBefore); err != nil {
		return pace.Config{}, err
	}
	if config.AfterSetAT, err = CommandHook(c.HookAfter); err != nil {
		return pace.Config{}, err
	}
	return config, nil
}

// CardSecret returns the secret for password. It is taken from c.Secret, the system keyring (if
// c.SecretName is set) or an interactive prompt, in that order. The secret is remembered once
// loaded.
func (c *Config) CardSecret(password protocol.PasswordReference) (string, error) {
	if c.Secret != "" {
		return c.Secret, nil
	}
	if c.SecretName != "" && c.Flags.isSet(FlagKeyring) {
		secret, err := c.LoadSecretFromKeyring()
		if err == nil {
			c.Secret = secret
			return secret, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
		log.Debug("No card secret named '%s' in keyring", c.SecretName)
	}
	secret, err := PromptSecret(fmt.Sprintf("Enter %s", strings.ToUpper(password.String())))
	if err != nil {
		return "", err
	}
	c.Secret = secret
	return secret, nil
}

// Connect opens the configured reader (or a simulated chip) and returns a card handle. If a session
// cache is configured and holds a session for the card, the handle resumes it.
func (c *Config) Connect(ctx context.Context) (*card.Card, error) {
	if err := c.loadCache(); err != nil {
		return nil, err
	}
	var conn connector.Connector
	var err error
	if c.Simulate {
		log.Debug("Connecting to simulated chip...")
		conn, err = sim.New()
	} else {
		log.Debug("Connecting to reader '%s'...", c.Reader)
		conn, err = pcsc.Open(ctx, c.Reader, c.WaitForCard)
	}
	if err != nil {
		return nil, err
	}
	handle, err := card.New(conn, c.sessions)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return handle, nil
}

// StartPACE reads EF.CardAccess if needed and runs PACE on handle.
func (c *Config) StartPACE(ctx context.Context, handle *card.Card) error {
	var access *protocol.CardAccess
	if c.ProtocolName == "" || !protocol.IsStandardParameterID(c.ParameterID) {
		var err error
		handle.EndSession()
		if access, err = handle.ReadCardAccess(ctx); err != nil {
			return fmt.Errorf("failed to read EF.CardAccess: %w", err)
		}
	}
	config, err := c.PACEConfig(access)
	if err != nil {
		return err
	}
	return handle.StartPACE(ctx, config)
}

// UpdateCachedSession updates c.CacheFilename with updated session state. If handle no longer has
// a session, its stale cache entry is removed.
//
// If c.CacheFilename is not set, then this method does nothing.
func (c *Config) UpdateCachedSession(handle *card.Card) {
	if c.CacheFilename == "" || c.sessions == nil {
		return
	}
	if handle.Secure() {
		if err := handle.UpdateCachedSession(c.sessions); err != nil {
			log.Error("Error updating cache: %s", err)
			return
		}
	} else {
		key := cache.Key(handle.Reader(), handle.ATR())
		if _, ok := c.sessions.GetEntry(key); !ok {
			return
		}
		c.sessions.Delete(key)
	}
	if err := c.sessions.ExportToFile(c.CacheFilename); err != nil {
		log.Error("Error updating cache: %s", err)
	}
}

func (c *Config) loadCache() error {
	if c.CacheFilename == "" || c.sessions != nil {
		return nil
	}
	log.Debug("Loading cache from %s...", c.CacheFilename)
	var err error
	c.sessions, err = cache.ImportFromFile(c.CacheFilename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load session cache: %s", err)
		}
		// Create a new cache if one couldn't be loaded from the file
		c.sessions = cache.New(0)
	}
	return nil
}
