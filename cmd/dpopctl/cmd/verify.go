package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/choices-project/dpop-go/pkg/dpop"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	verifyNonce string
	verifyJKT   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify PROOF METHOD URI",
	Short: "Verify a DPoP proof offline",
	Long: `Verify a DPoP proof against the given HTTP method and URI.

The proof's signature, claims, and freshness are checked the same way
a server would check them, using an in-memory replay guard. Pass
--jkt to additionally require the proof key to match a thumbprint.

Examples:
  dpopctl verify "$PROOF" POST https://api.example.com/v1/votes
  dpopctl verify "$PROOF" GET https://api.example.com/v1/polls --nonce srv-nonce-1`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		proof := args[0]
		method := strings.ToUpper(args[1])
		uri := args[2]

		guard := dpop.NewMemoryReplayGuard()
		defer guard.Close()
		verifier := dpop.NewVerifier(dpop.DefaultVerifierConfig(), guard)

		expectation := dpop.NoNonce()
		if verifyNonce != "" {
			expectation = dpop.RequireNonce(verifyNonce)
		}

		result, err := verifier.VerifyProof(cmd.Context(), proof, method, uri, time.Now(), expectation)
		if err != nil {
			return fmt.Errorf("%s proof rejected: %w", color.RedString("✗"), err)
		}
		if verifyJKT != "" && result.JKT != verifyJKT {
			return fmt.Errorf("%s proof key %s does not match expected thumbprint %s",
				color.RedString("✗"), result.JKT, verifyJKT)
		}

		out := struct {
			Valid      bool   `json:"valid" yaml:"valid"`
			Thumbprint string `json:"thumbprint" yaml:"thumbprint"`
			JTI        string `json:"jti" yaml:"jti"`
			Method     string `json:"htm" yaml:"htm"`
			URI        string `json:"htu" yaml:"htu"`
			IssuedAt   int64  `json:"iat" yaml:"iat"`
		}{
			Valid:      true,
			Thumbprint: result.JKT,
			JTI:        result.Claims.JTI,
			Method:     result.Claims.HTM,
			URI:        result.Claims.HTU,
			IssuedAt:   result.Claims.IAT,
		}

		if done, err := formatOutput(out); done || err != nil {
			return err
		}

		fmt.Println(color.GreenString("✓") + " Proof valid")
		fmt.Printf("  Thumbprint: %s\n", out.Thumbprint)
		fmt.Printf("  JTI:        %s\n", out.JTI)
		fmt.Printf("  Request:    %s %s\n", out.Method, out.URI)
		fmt.Printf("  Issued:     %s\n", time.Unix(out.IssuedAt, 0).UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyNonce, "nonce", "", "Require this nonce in the proof")
	verifyCmd.Flags().StringVar(&verifyJKT, "jkt", "", "Require the proof key to match this thumbprint")
	rootCmd.AddCommand(verifyCmd)
}
