package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <app>",
		Short: "Re-hash installed files against the ledger",
		Long: `Verify re-computes the digest of every installed file and reports
files that are missing or damaged. Run install afterwards to repair:
damaged files re-assemble from stored chunks and anything lost
re-downloads.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args[0])
		},
	}
	return cmd
}

func runVerify(opts *RootOptions, app string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Service.VerifyInstallation(ctx, app)
	if err != nil {
		return err
	}

	fmt.Printf("checked %d file(s)\n", report.Checked)
	for _, p := range report.Missing {
		fmt.Printf("  missing: %s\n", p)
	}
	for _, p := range report.Damaged {
		fmt.Printf("  damaged: %s\n", p)
	}
	if !report.OK() {
		return fmt.Errorf("%s: %d missing, %d damaged; run 'depot install %s' to repair",
			app, len(report.Missing), len(report.Damaged), app)
	}
	fmt.Printf("%s verified OK\n", app)
	return nil
}
