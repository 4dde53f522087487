// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Atelier-token is operator tooling for capability and service
// identity tokens: minting them from signing-key files and decoding
// them for incident debugging.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/atelier-foundation/atelier/cmd/internal/cli"
	"github.com/atelier-foundation/atelier/lib/capability"
	"github.com/atelier-foundation/atelier/lib/identity"
	"github.com/atelier-foundation/atelier/lib/sealed"
	"github.com/atelier-foundation/atelier/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "mint":
		return runMint(os.Args[2:])
	case "mint-service":
		return runMintService(os.Args[2:])
	case "inspect":
		return runInspect(os.Args[2:])
	case "version":
		version.Print("atelier-token")
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: atelier-token <subcommand> [flags]

Subcommands:
  mint          Mint a capability token
  mint-service  Mint a service identity token
  inspect       Decode a token's claims (no signature verification)
  version       Print version information

Key files may be raw Ed25519 private keys or age-sealed; sealed files
require the unsealing identity in %s.

Run 'atelier-token <subcommand> --help' for subcommand flags.
`, sealed.UnsealEnvVar)
}

func runMint(args []string) error {
	flags := pflag.NewFlagSet("mint", pflag.ContinueOnError)
	keyPath := flags.String("key", "", "capability signing key file (required)")
	issuer := flags.String("issuer", "", "issuer identifier (required)")
	audience := flags.String("audience", "", "audience gate identifier (required)")
	workspace := flags.String("workspace", "", "workspace ID (required)")
	operations := flags.StringArray("operation", nil, "granted operation pattern (repeatable, required)")
	ttl := flags.Duration("ttl", capability.DefaultTTL, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" || *issuer == "" || *audience == "" || *workspace == "" || len(*operations) == 0 {
		return fmt.Errorf("--key, --issuer, --audience, --workspace, and --operation are required")
	}

	privateKey, err := sealed.LoadSigningKey(*keyPath)
	if err != nil {
		return err
	}

	tokenIssuer, err := capability.NewIssuer(capability.IssuerConfig{
		Issuer:     *issuer,
		Audience:   *audience,
		PrivateKey: privateKey,
		Logger:     cli.NewLogger(),
	})
	if err != nil {
		return err
	}
	token, err := tokenIssuer.Issue(*workspace, *operations, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runMintService(args []string) error {
	flags := pflag.NewFlagSet("mint-service", pflag.ContinueOnError)
	keyPath := flags.String("key", "", "identity signing key file (required)")
	keyVersion := flags.Int("key-version", 1, "signing key version")
	issuer := flags.String("issuer", "", "issuer identifier (required)")
	subject := flags.String("subject", "", "service subject name (required)")
	ttl := flags.Duration("ttl", time.Minute, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" || *issuer == "" || *subject == "" {
		return fmt.Errorf("--key, --issuer, and --subject are required")
	}

	privateKey, err := sealed.LoadSigningKey(*keyPath)
	if err != nil {
		return err
	}

	signer, err := identity.NewSigner(identity.SignerConfig{
		Issuer:     *issuer,
		Subject:    *subject,
		PrivateKey: privateKey,
		KeyVersion: *keyVersion,
		Logger:     cli.NewLogger(),
	})
	if err != nil {
		return err
	}
	token, err := signer.Sign(*ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runInspect decodes a token's claims without any verification. It
// tries the capability format first, then the identity envelope. The
// output is for debugging only: a decoded token proves nothing about
// who signed it.
func runInspect(args []string) error {
	flags := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: atelier-token inspect <token>")
	}
	token := flags.Arg(0)

	var claims any
	var kind string
	if capabilityClaims, err := capability.Decode(token); err == nil {
		claims, kind = capabilityClaims, "capability"
	} else if identityClaims, err := identity.Decode(token); err == nil {
		claims, kind = identityClaims, "identity"
	} else {
		return fmt.Errorf("token matches neither the capability nor the identity format")
	}

	fmt.Fprintln(os.Stderr, "WARNING: claims decoded without signature verification; do not trust them")

	output := struct {
		Kind   string `json:"kind"`
		Claims any    `json:"claims"`
	}{Kind: kind, Claims: claims}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}
