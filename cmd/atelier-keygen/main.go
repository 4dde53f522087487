// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Atelier-keygen manages signing-key material: generating versioned
// Ed25519 keypairs, printing key fingerprints, sealing private keys to
// age recipients for at-rest storage, and generating the operator age
// keypairs those recipients come from.
package main

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/spf13/pflag"

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
	case "new":
		return runNew(os.Args[2:])
	case "fingerprint":
		return runFingerprint(os.Args[2:])
	case "seal":
		return runSeal(os.Args[2:])
	case "escrow":
		return runEscrow()
	case "version":
		version.Print("atelier-keygen")
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
	fmt.Fprintf(os.Stderr, `Usage: atelier-keygen <subcommand> [flags]

Subcommands:
  new          Generate a versioned Ed25519 signing keypair
  fingerprint  Print the fingerprint of a public key file
  seal         Seal a private key file to age recipients
  escrow       Generate an operator age keypair for sealing
  version      Print version information

Run 'atelier-keygen <subcommand> --help' for subcommand flags.
`)
}

// runNew generates a versioned keypair in the state directory and
// prints the public key's fingerprint so the operator can register it
// with validators by version.
func runNew(args []string) error {
	flags := pflag.NewFlagSet("new", pflag.ContinueOnError)
	stateDir := flags.String("state-dir", "", "directory for the key files (required)")
	keyVersion := flags.Int("key-version", 1, "key version to generate")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *stateDir == "" {
		return fmt.Errorf("--state-dir is required")
	}

	public, private, err := identity.GenerateKeypair()
	if err != nil {
		return err
	}
	if err := identity.SaveKeypair(*stateDir, *keyVersion, public, private); err != nil {
		return err
	}

	fmt.Printf("version:     %d\n", *keyVersion)
	fmt.Printf("fingerprint: %s\n", identity.Fingerprint(public))
	fmt.Printf("state dir:   %s\n", *stateDir)
	return nil
}

// runFingerprint prints the fingerprint of a raw Ed25519 public key
// file. The fingerprint is safe to log and share; it lets operators
// correlate key versions across planes without handling key bytes.
func runFingerprint(args []string) error {
	flags := pflag.NewFlagSet("fingerprint", pflag.ContinueOnError)
	keyPath := flags.String("key", "", "public key file (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" {
		return fmt.Errorf("--key is required")
	}

	raw, err := os.ReadFile(*keyPath)
	if err != nil {
		return err
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("%s holds %d bytes, want a raw %d-byte public key", *keyPath, len(raw), ed25519.PublicKeySize)
	}

	fmt.Println(identity.Fingerprint(ed25519.PublicKey(raw)))
	return nil
}

// runSeal encrypts a private key file to one or more age recipients
// and writes the sealed ciphertext. The plaintext file is left in
// place; the operator removes it once the sealed copy is verified.
func runSeal(args []string) error {
	flags := pflag.NewFlagSet("seal", pflag.ContinueOnError)
	keyPath := flags.String("key", "", "private key file to seal (required)")
	outputPath := flags.String("output", "", "sealed output file (default: <key>.sealed)")
	recipients := flags.StringArray("recipient", nil, "age recipient public key (repeatable, required)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" {
		return fmt.Errorf("--key is required")
	}
	if len(*recipients) == 0 {
		return fmt.Errorf("at least one --recipient is required")
	}
	for _, recipient := range *recipients {
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return fmt.Errorf("recipient %q: %w", recipient, err)
		}
	}

	plaintext, err := os.ReadFile(*keyPath)
	if err != nil {
		return err
	}
	ciphertext, err := sealed.Seal(plaintext, *recipients)
	if err != nil {
		return err
	}

	output := *outputPath
	if output == "" {
		output = *keyPath + ".sealed"
	}
	if err := os.WriteFile(output, []byte(ciphertext), 0600); err != nil {
		return fmt.Errorf("writing sealed key: %w", err)
	}

	fmt.Printf("sealed %s to %d recipient(s): %s\n", *keyPath, len(*recipients), output)
	return nil
}

// runEscrow generates an age keypair. The public key (stdout) becomes
// a --recipient for seal; the private key (stderr) is the unsealing
// identity, set as ATELIER_UNSEAL_KEY where sealed keys are loaded.
func runEscrow() error {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	fmt.Fprintf(os.Stderr, "# Private key (keep secret, store securely):\n")
	fmt.Fprintf(os.Stderr, "%s\n", keypair.PrivateKey.String())
	fmt.Println(keypair.PublicKey)
	return nil
}
