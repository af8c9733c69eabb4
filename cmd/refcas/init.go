package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/refcas/internal/config"
)

// configFileName is the file written by "refcas init".
const configFileName = "refcas.yaml"

var (
	initDir   string
	initForce bool
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example config file",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
	cmd.Flags().StringVarP(&initDir, "output", "o", ".", "directory to write refcas.yaml into")
	cmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := config.ExpandHome(initDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	path := filepath.Join(dir, configFileName)

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if initForce {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if os.IsExist(err) {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := f.WriteString(config.Example); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
