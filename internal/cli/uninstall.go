package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewUninstallCommand creates the uninstall command.
func NewUninstallCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall <app>",
		Short: "Remove an installed application",
		Long: `Uninstall deletes the application's files, drops chunks no other
install references, and removes its ledger record. Save files are left
in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUninstall(rootOpts, args[0])
		},
	}
	return cmd
}

func runUninstall(opts *RootOptions, app string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Service.Uninstall(ctx, app); err != nil {
		return err
	}
	fmt.Printf("%s uninstalled\n", app)
	return nil
}
