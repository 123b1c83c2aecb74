package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/nkkko/packlock/internal/diagnostics"
	"github.com/spf13/cobra"
)

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Diagnostics tools",
}

var diagnosticsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Boot a session and write its diagnostics log to a file",
	Args:  cobra.NoArgs,
	RunE:  runDiagnosticsExport,
}

var diagnosticsOut string

func init() {
	diagnosticsExportCmd.Flags().StringVarP(&diagnosticsOut, "output", "o", "", "output file (default packlock-diagnostics-<time>.json)")
	diagnosticsCmd.AddCommand(diagnosticsExportCmd)
	rootCmd.AddCommand(diagnosticsCmd)
}

func runDiagnosticsExport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	// The export records a failed bootstrap too
	_ = a.Boot(cmd.Context())
	a.Close()

	path := diagnosticsOut
	if path == "" {
		path = filepath.Join(".", diagnostics.Filename(time.Now()))
	}
	if err := a.Recorder().WriteFile(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", a.Recorder().Len(), path)
	return nil
}
