// Package mnemocmder
package mnemocmder

import (
	"github.com/spf13/cobra"

	consolidatecmder "github.com/papercomputeco/mnemo/cmd/mnemo/consolidate"
	servecmder "github.com/papercomputeco/mnemo/cmd/mnemo/serve"
	versioncmder "github.com/papercomputeco/mnemo/cmd/version"
)

const mnemoLongDesc string = `Mnemo is a conversation memory graph for LLM agents.

Run services using:
  mnemo serve          Run the API server and consolidation workers
  mnemo consolidate    Run consolidation workers only`

const mnemoShortDesc string = "Mnemo - Conversation Memory Graph"

func NewMnemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mnemo",
		Short: mnemoShortDesc,
		Long:  mnemoLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .mnemo config directory")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(consolidatecmder.NewConsolidateCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
