package cmd

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/choices-project/dpop-go/pkg/dpop"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new ES256 key pair",
	Long: `Generate a new ECDSA P-256 key pair and store it on disk.

The private key is written as PKCS#8 PEM with 0600 permissions.
The JWK thumbprint of the public key is printed; this is the value
servers bind tokens to.

Examples:
  dpopctl keygen
  dpopctl keygen --key ./client.pem
  dpopctl keygen --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := keyStore()
		if store.Exists() && !keygenForce {
			return fmt.Errorf("key already exists at %s (use --force to overwrite)", store.Path())
		}

		key, err := dpop.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate key pair: %w", err)
		}
		if err := store.Save(key); err != nil {
			return fmt.Errorf("failed to save key: %w", err)
		}

		jkt, err := dpop.ComputeThumbprint(&key.PublicKey)
		if err != nil {
			return err
		}

		result := struct {
			Path       string `json:"path" yaml:"path"`
			Thumbprint string `json:"thumbprint" yaml:"thumbprint"`
		}{Path: store.Path(), Thumbprint: jkt}

		if done, err := formatOutput(result); done || err != nil {
			return err
		}

		fmt.Println(color.GreenString("✓") + " Key pair generated")
		fmt.Printf("  Path:       %s\n", result.Path)
		fmt.Printf("  Thumbprint: %s\n", result.Thumbprint)
		return nil
	},
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print the public key as PEM",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := loadKey()
		if err != nil {
			return err
		}
		pem, err := dpop.EncodePublicKeyPEM(&key.PublicKey)
		if err != nil {
			return err
		}
		os.Stdout.Write(pem)
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing key")
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(pubkeyCmd)
}

// keyStore returns the key store for the --key flag, falling back to
// the default path.
func keyStore() *dpop.FileKeyStore {
	path := keyPath
	if path == "" {
		path = dpop.DefaultKeyPath()
	}
	return dpop.NewFileKeyStore(path)
}

func loadKey() (*ecdsa.PrivateKey, error) {
	store := keyStore()
	k, err := store.Load()
	if err != nil {
		if dpop.IsNotFoundError(err) {
			return nil, fmt.Errorf("no key found at %s (run 'dpopctl keygen' first)", store.Path())
		}
		if dpop.IsPermissionError(err) {
			return nil, fmt.Errorf("%w\nFix with: chmod 600 %s", err, store.Path())
		}
		return nil, err
	}
	return k, nil
}
