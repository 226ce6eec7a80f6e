package commands

import (
	"os"

	"github.com/dyluth/arbre/internal/config"
	"github.com/dyluth/arbre/internal/printer"
	"github.com/dyluth/arbre/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit   bool
	initBackend string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter arbre.yml",
	Long: `Write arbre.yml in the current directory with every setting at its
default value.

Use --force to overwrite an existing arbre.yml.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing arbre.yml")
	initCmd.Flags().StringVar(&initBackend, "backend", config.BackendNone, "Store backend: redis, badger or none")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := scaffold.Initialize(".", initBackend, forceInit)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}
	scaffold.PrintSuccess(os.Stdout, path)
	return nil
}

