package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dyluth/arbre/internal/printer"
	"github.com/dyluth/arbre/internal/storage"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/spf13/cobra"
)

var (
	treeUser     string
	treeFile     string
	treeAttachTo int
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Export and import variation trees",
	Long: `Export a user's variation tree as JSON, or graft an exported tree into
another user's tree.

Examples:
  # Export alice's tree
  arbre tree export --user alice > alice.json

  # Import it below node 3 of bob's tree
  arbre tree import --user bob --file alice.json --attach-to 3`,
}

var treeExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print a user's tree as JSON",
	Args:  cobra.NoArgs,
	RunE:  runTreeExport,
}

var treeImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Graft an exported tree into a user's tree",
	Long: `Graft the children of an exported tree's root below a node of the user's
tree. Imported nodes keep their comments and evaluations; nodes without an
evaluation stay pending until the server evaluates them.`,
	Args: cobra.NoArgs,
	RunE: runTreeImport,
}

func init() {
	treeCmd.PersistentFlags().StringVarP(&treeUser, "user", "u", "", "Username (required)")
	_ = treeCmd.MarkPersistentFlagRequired("user")

	treeImportCmd.Flags().StringVarP(&treeFile, "file", "f", "", "Exported tree JSON, or - for stdin (required)")
	treeImportCmd.Flags().IntVar(&treeAttachTo, "attach-to", study.RootID, "Node id to attach the imported tree to")
	_ = treeImportCmd.MarkFlagRequired("file")

	treeCmd.AddCommand(treeExportCmd, treeImportCmd)
	rootCmd.AddCommand(treeCmd)
}

func withStore(fn func(ctx context.Context, store storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func runTreeExport(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		return exportTree(ctx, store, treeUser, cmd.OutOrStdout())
	})
}

func runTreeImport(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if treeFile == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(treeFile)
	}
	if err != nil {
		return printer.Error("cannot read tree", err.Error(), nil)
	}

	return withStore(func(ctx context.Context, store storage.Store) error {
		mapping, err := importTree(ctx, store, treeUser, data, treeAttachTo)
		if err != nil {
			return err
		}
		printer.Success("Imported %d node(s) into %s's tree\n", len(mapping), treeUser)
		return nil
	})
}

// userStore is the part of storage.Store the tree commands use.
type userStore interface {
	GetUser(ctx context.Context, username string) (*study.User, error)
	SaveTree(ctx context.Context, username string, tree *study.Tree) error
}

func exportTree(ctx context.Context, store userStore, username string, w io.Writer) error {
	u, err := store.GetUser(ctx, username)
	if err != nil {
		if study.IsNotFound(err) {
			return printer.Error(fmt.Sprintf("user '%s' not found", username), "No user with that name is stored.", nil)
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	data, err := json.MarshalIndent(u.Tree.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tree: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func importTree(ctx context.Context, store userStore, username string, data []byte, attachTo int) (map[int]int, error) {
	var foreign study.Tree
	if err := json.Unmarshal(data, &foreign); err != nil {
		return nil, printer.Error("invalid tree", err.Error(), []string{"Produce the file with:\n  arbre tree export --user <name>"})
	}

	u, err := store.GetUser(ctx, username)
	if err != nil {
		if study.IsNotFound(err) {
			return nil, printer.Error(fmt.Sprintf("user '%s' not found", username), "No user with that name is stored.", nil)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	mapping, err := u.Tree.ImportSubtree(&foreign, attachTo)
	if err != nil {
		return nil, printer.ErrorWithContext("import failed", err.Error(),
			map[string]string{"Attach to": fmt.Sprint(attachTo)}, nil)
	}
	if err := store.SaveTree(ctx, username, u.Tree); err != nil {
		return nil, fmt.Errorf("failed to save tree: %w", err)
	}
	return mapping, nil
}
