package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vpoletaev/depot/internal/progress"
)

// NewInstallCommand creates the install command.
func NewInstallCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <app>",
		Short: "Install an application",
		Long: `Install downloads the application's manifest, plans the missing
chunks, fetches them through the worker pool, and assembles the files.
Interrupted installs resume where they left off.

Example:
  depot install rocket-league
  depot install rocket-league --verbose`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(rootOpts, args[0])
		},
	}
	return cmd
}

// NewUpdateCommand creates the update command. Planning is
// differential, so update and install share the same path; update
// additionally reports when nothing is newer.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <app>",
		Short: "Update an installed application to the latest build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(rootOpts, args[0])
		},
	}
	return cmd
}

func runInstall(opts *RootOptions, app string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.Service.PlanInstall(ctx, app)
	if err != nil {
		return err
	}
	if len(plan.Chunks) == 0 {
		fmt.Printf("%s is up to date (build %s)\n", app, plan.Manifest.BuildID)
		return a.Service.Execute(ctx, plan, nil)
	}

	fmt.Printf("installing %s build %s: %d chunks, %s\n",
		app, plan.Manifest.BuildID, len(plan.Chunks), progress.FormatBytes(plan.TotalBytes))

	if err := a.Service.Execute(ctx, plan, consoleSink()); err != nil {
		return err
	}
	fmt.Printf("\n%s installed to %s\n", app, plan.InstallDir)
	return nil
}

func runUpdate(opts *RootOptions, app string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.Service.CheckUpdate(ctx, app)
	if err != nil {
		return err
	}
	if !info.UpdateAvailable {
		fmt.Printf("%s is up to date (%s, build %s)\n", app, info.InstalledVersion, info.InstalledBuild)
		return nil
	}
	fmt.Printf("updating %s: %s (build %s) -> %s (build %s)\n",
		app, info.InstalledVersion, info.InstalledBuild, info.LatestVersion, info.LatestBuild)

	plan, err := a.Service.PlanInstall(ctx, app)
	if err != nil {
		return err
	}
	fmt.Printf("downloading %d chunks, %s\n", len(plan.Chunks), progress.FormatBytes(plan.TotalBytes))

	if err := a.Service.Execute(ctx, plan, consoleSink()); err != nil {
		return err
	}
	fmt.Printf("\n%s updated to %s\n", app, info.LatestVersion)
	return nil
}

// consoleSink renders progress snapshots as a single rewritten line.
func consoleSink() progress.Sink {
	return progress.SinkFunc(func(u progress.Update) {
		if u.Final {
			fmt.Printf("\r%6.1f%%  %s / %s  done%-24s\n",
				u.Percent(), progress.FormatBytes(u.BytesDone), progress.FormatBytes(u.BytesTotal), "")
			return
		}
		eta := "--"
		if u.ETA > 0 {
			eta = progress.FormatDuration(u.ETA)
		}
		fmt.Printf("\r%6.1f%%  %s / %s  %s/s  ETA %s  %-30.30s",
			u.Percent(),
			progress.FormatBytes(u.BytesDone), progress.FormatBytes(u.BytesTotal),
			progress.FormatBytes(int64(u.Speed)), eta, u.CurrentFile)
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
