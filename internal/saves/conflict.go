package saves

import "fmt"

// Conflict is a save file modified on both sides since the last sync,
// with differing content, whose timestamps are too close for the
// newest-wins rule to apply safely.
type Conflict struct {
	App    string
	Name   string
	Local  Metadata
	Remote Metadata
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("save conflict: %s/%s modified both locally (%s) and remotely (%s)",
		c.App, c.Name, c.Local.ModTime.Format("2006-01-02 15:04:05"),
		c.Remote.ModTime.Format("2006-01-02 15:04:05"))
}

// Resolution is the caller's decision for one Conflict.
type Resolution int

const (
	// ResolutionSkip leaves both sides untouched; the conflict is
	// reported and will resurface on the next sync.
	ResolutionSkip Resolution = iota
	// ResolutionKeepLocal uploads the local file over the remote one.
	ResolutionKeepLocal
	// ResolutionKeepRemote overwrites the local file (after a backup)
	// with the remote one.
	ResolutionKeepRemote
	// ResolutionKeepBoth keeps the local file as canonical and lands
	// the remote content next to it under a timestamped backup name.
	ResolutionKeepBoth
)

// Resolver decides conflicts. A nil Resolver skips every conflict.
type Resolver func(c Conflict) (Resolution, error)

// Report summarizes one sync run.
type Report struct {
	Uploaded   []string
	Downloaded []string
	Skipped    []string
	// Conflicts lists names whose conflicts were skipped (not
	// resolved) this run.
	Conflicts []string
}
