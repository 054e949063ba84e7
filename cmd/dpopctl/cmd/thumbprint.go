package cmd

import (
	"fmt"
	"os"

	"github.com/choices-project/dpop-go/pkg/dpop"
	"github.com/spf13/cobra"
)

var thumbprintPubFile string

var thumbprintCmd = &cobra.Command{
	Use:   "thumbprint",
	Short: "Compute the JWK thumbprint of a key",
	Long: `Compute the RFC 7638 JWK thumbprint of a public key.

By default the stored private key's public half is used. Pass --pub
to compute the thumbprint of a public key PEM file instead.

Examples:
  dpopctl thumbprint
  dpopctl thumbprint --pub server.pem
  dpopctl thumbprint -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var jkt string
		if thumbprintPubFile != "" {
			data, err := os.ReadFile(thumbprintPubFile)
			if err != nil {
				return fmt.Errorf("failed to read public key: %w", err)
			}
			pub, err := dpop.LoadPublicKeyPEM(data)
			if err != nil {
				return err
			}
			jkt, err = dpop.ComputeThumbprint(pub)
			if err != nil {
				return err
			}
		} else {
			key, err := loadKey()
			if err != nil {
				return err
			}
			jkt, err = dpop.ComputeThumbprint(&key.PublicKey)
			if err != nil {
				return err
			}
		}

		result := struct {
			Thumbprint string `json:"thumbprint" yaml:"thumbprint"`
		}{Thumbprint: jkt}

		if done, err := formatOutput(result); done || err != nil {
			return err
		}
		fmt.Println(jkt)
		return nil
	},
}

func init() {
	thumbprintCmd.Flags().StringVar(&thumbprintPubFile, "pub", "", "Public key PEM file")
	rootCmd.AddCommand(thumbprintCmd)
}
