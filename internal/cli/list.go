package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts)
		},
	}
	return cmd
}

func runList(opts *RootOptions) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.Service.List(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no applications installed")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tVERSION\tBUILD\tSTATUS\tPATH")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.AppID, r.Version, r.BuildID, r.Status, r.InstallDir)
	}
	return w.Flush()
}
