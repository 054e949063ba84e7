package cmd

import (
	"fmt"
	"strings"

	"github.com/choices-project/dpop-go/pkg/dpop"
	"github.com/spf13/cobra"
)

var signNonce string

var signCmd = &cobra.Command{
	Use:   "sign METHOD URI",
	Short: "Create a DPoP proof for an HTTP request",
	Long: `Create a DPoP proof JWT for the given HTTP method and URI,
signed with the stored private key.

The proof is printed to stdout and can be sent in a DPoP header.

Examples:
  dpopctl sign POST https://api.example.com/v1/votes
  dpopctl sign GET https://api.example.com/v1/polls --nonce srv-nonce-1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := strings.ToUpper(args[0])
		uri := args[1]

		key, err := loadKey()
		if err != nil {
			return err
		}
		signer, err := dpop.NewSigner(key)
		if err != nil {
			return err
		}

		var proof string
		if signNonce != "" {
			proof, err = signer.CreateProofWithNonce(method, uri, signNonce)
		} else {
			proof, err = signer.CreateProof(method, uri)
		}
		if err != nil {
			return fmt.Errorf("failed to create proof: %w", err)
		}

		result := struct {
			Proof      string `json:"proof" yaml:"proof"`
			Thumbprint string `json:"thumbprint" yaml:"thumbprint"`
		}{Proof: proof, Thumbprint: signer.Thumbprint()}

		if done, err := formatOutput(result); done || err != nil {
			return err
		}
		fmt.Println(proof)
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signNonce, "nonce", "", "Server-issued nonce to embed in the proof")
	rootCmd.AddCommand(signCmd)
}
