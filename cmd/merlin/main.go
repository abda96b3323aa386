package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

func main() {
	// Load env
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "merlin",
		Short: "merlin - an adversarial interrogation agent for password-guarding chat oracles",
		Long: `merlin plays a level-based password game against a guarded chat oracle.
It asks questions, mines replies for candidate secrets and submits guesses,
counting a guess as correct only when the page's level signal goes up.

Configuration comes from MERLIN_* environment variables (and .env); flags override them.
The collaborator model is configured with STRATEGIST_* or OPENAI_* variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	run := newRunCommand()
	root.AddCommand(run)
	root.AddCommand(newSummaryCommand())
	root.AddCommand(newLoreCommand())

	// bare "merlin" runs a session
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
