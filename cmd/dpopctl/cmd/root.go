// Package cmd implements the dpopctl CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/choices-project/dpop-go/internal/version"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Global flags
	outputFormat string
	keyPath      string
)

var rootCmd = &cobra.Command{
	Use:   "dpopctl",
	Short: "DPoP key and proof tooling",
	Long: `dpopctl manages DPoP (RFC 9449) key pairs and proofs.

It provides commands to generate ES256 key pairs, compute JWK
thumbprints, sign proofs for HTTP requests, and verify proofs
offline.`,
	Version:      version.String(),
	SilenceUsage: true,
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for dpopctl.

To load completions:

Bash:
  # Add to ~/.bashrc:
  source <(dpopctl completion bash)

Zsh:
  # Add to ~/.zshrc:
  source <(dpopctl completion zsh)

Fish:
  # Add to ~/.config/fish/completions/:
  dpopctl completion fish > ~/.config/fish/completions/dpopctl.fish

PowerShell:
  # Add to your PowerShell profile:
  dpopctl completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(os.Stdout)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		default:
			return fmt.Errorf("unknown shell: %s", args[0])
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().StringVar(&keyPath, "key", "", "Private key path (default: ~/.dpopctl/key.pem, env: DPOP_KEY_PATH)")
	rootCmd.AddCommand(completionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// formatOutput handles output formatting based on the --output flag.
// Returns true if the data was written, false if the caller should
// render its own text output.
func formatOutput(data interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		return true, outputJSON(data)
	case "yaml":
		return true, outputYAML(data)
	default:
		return false, nil
	}
}

func outputJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(data interface{}) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
