package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/teslamotors/pace-terminal/pkg/card"
	"github.com/teslamotors/pace-terminal/pkg/cli"
	"github.com/teslamotors/pace-terminal/pkg/connector"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrRequiresCard    = errors.New("command requires a card")
	ErrInvalidFile     = errors.New("invalid file identifier")
)

// output receives command results. Tests replace it.
var output io.Writer = os.Stdout

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error

type Command struct {
	help            string
	requiresCard    bool // False for commands that only touch the local keyring
	requiresSession bool // True if the command must be sent through Secure Messaging
	args            []Argument
	optional        []Argument
	handler         Handler
}

// ParseHex decodes hexadecimal input. Whitespace and colons between bytes are ignored.
func ParseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == ':' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}

// ParseFileID accepts a four digit file identifier ("011C") or a two digit short file identifier
// ("1C").
func ParseFileID(s string) (fid uint16, sfi byte, short bool, err error) {
	switch len(s) {
	case 2:
		n, err := strconv.ParseUint(s, 16, 8)
		if err != nil || n == 0 || n > 0x1E {
			return 0, 0, false, fmt.Errorf("%w: '%s' (short identifiers are 01-1E)", ErrInvalidFile, s)
		}
		return 0, byte(n), true, nil
	case 4:
		n, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return 0, 0, false, fmt.Errorf("%w: '%s'", ErrInvalidFile, s)
		}
		return uint16(n), 0, false, nil
	}
	return 0, 0, false, fmt.Errorf("%w: '%s' (expected FID or SFI in hex)", ErrInvalidFile, s)
}

func printCardAccess(w io.Writer, access *protocol.CardAccess) {
	for _, info := range access.PACE {
		fmt.Fprintf(w, "PACE: %s version %d", info.Protocol, info.Version)
		if info.ParameterID >= 0 {
			fmt.Fprintf(w, " parameter ID %d", info.ParameterID)
		}
		fmt.Fprintln(w)
	}
	for _, d := range access.DomainParameters {
		kind := "standardized"
		switch {
		case d.EC != nil:
			kind = fmt.Sprintf("explicit curve (%d-bit prime)", d.EC.Prime.BitLen())
		case d.DH != nil:
			kind = fmt.Sprintf("explicit MODP group (%d-bit modulus)", d.DH.P.BitLen())
		}
		fmt.Fprintf(w, "Domain parameters %d: %s for %s\n", d.ParameterID, kind, d.Protocol)
	}
	for _, ca := range access.ChipAuthentication {
		fmt.Fprintf(w, "Chip Authentication: %s version %d key ID %d\n", ca.Protocol, ca.Version, ca.KeyID)
	}
	if len(access.Unknown) > 0 {
		fmt.Fprintf(w, "%d unrecognized security infos\n", len(access.Unknown))
	}
}

func ensureSession(ctx context.Context, config *cli.Config, handle *card.Card) error {
	if handle.Secure() {
		return nil
	}
	return config.StartPACE(ctx, handle)
}

func execute(ctx context.Context, config *cli.Config, handle *card.Card, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}
	if info.requiresCard && handle == nil {
		return ErrRequiresCard
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		if info.requiresSession {
			err = ensureSession(ctx, config, handle)
		}
		if err == nil {
			err = info.handler(ctx, config, handle, keywords)
		}
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

var commands = map[string]*Command{
	"pace": &Command{
		help:         "Run PACE and protect later commands with Secure Messaging",
		requiresCard: true,
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			if err := config.StartPACE(ctx, handle); err != nil {
				return err
			}
			p, _ := handle.Protocol()
			fmt.Fprintf(output, "Session:  %s\n", handle.SessionID())
			fmt.Fprintf(output, "Protocol: %s\n", p)
			fmt.Fprintf(output, "PK_PICC:  %X\n", handle.ChipEphemeralKey())
			return nil
		},
	},
	"end-session": &Command{
		help:         "Drop the Secure Messaging session",
		requiresCard: true,
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			handle.EndSession()
			return nil
		},
	},
	"status": &Command{
		help:         "Show the reader, ATR and session state",
		requiresCard: true,
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			fmt.Fprintf(output, "Reader:  %s\n", handle.Reader())
			fmt.Fprintf(output, "ATR:     %X\n", handle.ATR())
			if p, ok := handle.Protocol(); ok {
				fmt.Fprintf(output, "Session: %s (%s)\n", handle.SessionID(), p.Name())
			} else {
				fmt.Fprintln(output, "Session: none")
			}
			return nil
		},
	},
	"card-access": &Command{
		help:         "Read and decode EF.CardAccess",
		requiresCard: true,
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			access, err := handle.ReadCardAccess(ctx)
			if err != nil {
				return err
			}
			printCardAccess(output, access)
			return nil
		},
	},
	"send": &Command{
		help:         "Send a raw command APDU, wrapped if a session exists, and print the response",
		requiresCard: true,
		args: []Argument{
			Argument{name: "APDU", help: "command APDU in hex, e.g. 00A4020C02011C"},
		},
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			command, err := ParseHex(args["APDU"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			response, err := handle.Send(ctx, command)
			if err != nil {
				return err
			}
			data, sw, err := connector.SplitResponse(response)
			if err != nil {
				return err
			}
			fmt.Fprintf(output, "%X\nSW: %s\n", data, sw)
			return nil
		},
	},
	"select-app": &Command{
		help:         "Select an application",
		requiresCard: true,
		args: []Argument{
			Argument{name: "AID", help: "application identifier in hex, e.g. E80704007F00070302 for eID"},
		},
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			aid, err := ParseHex(args["AID"])
			if err != nil || len(aid) == 0 || len(aid) > 16 {
				return fmt.Errorf("%w: invalid AID '%s'", ErrCommandLineArgs, args["AID"])
			}
			return handle.SelectApplication(ctx, aid)
		},
	},
	"read-file": &Command{
		help:            "Read an elementary file through Secure Messaging",
		requiresCard:    true,
		requiresSession: true,
		args: []Argument{
			Argument{name: "FILE", help: "file identifier (4 hex digits) or short file identifier (2 hex digits)"},
		},
		optional: []Argument{
			Argument{name: "OUTPUT", help: "write contents to this file instead of printing hex"},
		},
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			fid, sfi, short, err := ParseFileID(args["FILE"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			var content []byte
			if short {
				content, err = handle.ReadShortFile(ctx, sfi)
			} else {
				if err = handle.SelectFile(ctx, fid); err == nil {
					content, err = handle.ReadFile(ctx)
				}
			}
			if err != nil {
				return err
			}
			if filename, ok := args["OUTPUT"]; ok {
				return os.WriteFile(filename, content, 0600)
			}
			fmt.Fprintf(output, "%X\n", content)
			return nil
		},
	},
	"reset-pin": &Command{
		help:            "Set a new PIN (requires PACE with PIN, CAN or PUK)",
		requiresCard:    true,
		requiresSession: true,
		optional: []Argument{
			Argument{name: "PIN", help: "new PIN; prompted for if omitted"},
		},
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			pin, ok := args["PIN"]
			if !ok {
				var err error
				if pin, err = cli.PromptSecret("Enter new PIN"); err != nil {
					return err
				}
			}
			return handle.ChangePIN(ctx, pin)
		},
	},
	"unblock-pin": &Command{
		help:            "Reset the PIN retry counter (requires PACE with the PUK)",
		requiresCard:    true,
		requiresSession: true,
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			return handle.UnblockPIN(ctx)
		},
	},
	"store-secret": &Command{
		help: "Store a card secret in the system keyring under -secret-name",
		optional: []Argument{
			Argument{name: "SECRET", help: "card secret; prompted for if omitted"},
		},
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			secret, ok := args["SECRET"]
			if !ok {
				var err error
				if secret, err = cli.PromptSecret("Enter card secret"); err != nil {
					return err
				}
			}
			return config.SaveSecretToKeyring(secret)
		},
	},
	"delete-secret": &Command{
		help: "Remove the card secret named by -secret-name from the system keyring",
		handler: func(ctx context.Context, config *cli.Config, handle *card.Card, args map[string]string) error {
			return config.DeleteSecret()
		},
	},
}
