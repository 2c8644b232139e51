package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vpoletaev/depot/internal/progress"
	"github.com/vpoletaev/depot/internal/saves"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <app>",
		Short: "Synchronize cloud saves for an installed application",
		Long: `Sync reconciles the application's local save directory
(<data-dir>/saves/<app>) with the remote store. Saves changed on one
side since the last sync move to the other. Saves changed on both sides
resolve newest-wins when the timestamps clearly differ; otherwise, when
run on a terminal, you are asked which side to keep. Overwritten files
leave timestamped .bak copies behind.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, args[0])
		},
	}
	return cmd
}

func runSync(opts *RootOptions, app string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	remote, err := a.remoteSaveStore(ctx)
	if err != nil {
		return err
	}
	sync := saves.NewSynchronizer(remote, a.Ledger, a.Config.SaveSkewTolerance, a.Log)

	var resolver saves.Resolver
	if term.IsTerminal(int(os.Stdin.Fd())) {
		resolver = promptResolver()
	}

	dir := filepath.Join(a.Config.DataDir, "saves", app)
	report, err := sync.Sync(ctx, app, dir, resolver)
	if err != nil {
		return err
	}

	fmt.Printf("sync %s: %d uploaded, %d downloaded, %d unchanged\n",
		app, len(report.Uploaded), len(report.Downloaded), len(report.Skipped))
	for _, name := range report.Conflicts {
		fmt.Printf("  unresolved conflict: %s\n", name)
	}
	return nil
}

// promptResolver asks on stdin which side of a conflict to keep.
func promptResolver() saves.Resolver {
	reader := bufio.NewReader(os.Stdin)
	return func(c saves.Conflict) (saves.Resolution, error) {
		fmt.Printf("conflict: %s changed both locally (%s, %s) and remotely (%s, %s)\n",
			c.Name,
			c.Local.ModTime.Local().Format("2006-01-02 15:04"), progress.FormatBytes(c.Local.Size),
			c.Remote.ModTime.Local().Format("2006-01-02 15:04"), progress.FormatBytes(c.Remote.Size))
		for {
			fmt.Print("keep [l]ocal, [r]emote, [b]oth, or [s]kip? ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return saves.ResolutionSkip, err
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "l", "local":
				return saves.ResolutionKeepLocal, nil
			case "r", "remote":
				return saves.ResolutionKeepRemote, nil
			case "b", "both":
				return saves.ResolutionKeepBoth, nil
			case "s", "skip", "":
				return saves.ResolutionSkip, nil
			}
		}
	}
}
