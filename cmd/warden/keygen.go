package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/sealing"
)

// runKeygen writes a fresh RSA-4096 signing pair. Existing key material is
// never overwritten without -force: replacing the pair invalidates every
// certificate it ever signed.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	privatePath := fs.String("private", cfg.PrivateKeyPath, "private key output path")
	publicPath := fs.String("public", cfg.PublicKeyPath, "public key output path")
	force := fs.Bool("force", false, "replace existing keys")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if _, err := os.Stat(*privatePath); err == nil && !*force {
		fmt.Fprintf(stderr, "warden: %s already exists; pass -force to replace it\n", *privatePath)
		fmt.Fprintln(stderr, "warden: a replaced pair invalidates every certificate signed with the old one")
		return 1
	}

	for _, dir := range []string{filepath.Dir(*privatePath), filepath.Dir(*publicPath)} {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fmt.Fprintf(stderr, "warden: create %s: %v\n", dir, err)
			return 1
		}
	}

	key, err := sealing.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}

	privPEM, err := sealing.EncodePrivateKeyPEM(key)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*privatePath, privPEM, 0o600); err != nil {
		fmt.Fprintf(stderr, "warden: write private key: %v\n", err)
		return 1
	}

	pubPEM, err := sealing.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return 1
	}
	//nolint:gosec // G306: the public key is public
	if err := os.WriteFile(*publicPath, pubPEM, 0o644); err != nil {
		fmt.Fprintf(stderr, "warden: write public key: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Signing pair written:\n  private: %s\n  public:  %s\n", *privatePath, *publicPath)
	return 0
}
