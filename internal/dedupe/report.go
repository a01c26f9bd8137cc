package dedupe

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"calbridge/internal/model"
)

var (
	keepLabel   = color.New(color.FgGreen).Sprint
	deleteLabel = color.New(color.FgRed).Sprint
	spareLabel  = color.New(color.FgYellow).Sprint
	keyLabel    = color.New(color.Bold).Sprint
)

// WriteReport prints the plan. applied selects the closing line.
func WriteReport(w io.Writer, p Plan, applied bool) {
	fmt.Fprintf(w, "Scanned %d entities: %d duplicated key(s), %d planned deletion(s)\n",
		p.Scanned, len(p.Groups), p.Deletions())

	for _, g := range p.Groups {
		fmt.Fprintf(w, "\n%s (%d entities)\n", keyLabel(g.Key), 1+len(g.Delete)+len(g.Spared))
		writeLine(w, keepLabel("keep  "), g.Keep, g.KeepReason)
		for _, e := range g.Delete {
			writeLine(w, deleteLabel("delete"), e, "")
		}
		for _, e := range g.Spared {
			writeLine(w, spareLabel("spare "), e, "unmanaged, never deleted")
		}
	}

	fmt.Fprintln(w)
	switch {
	case p.Deletions() == 0:
		fmt.Fprintln(w, "Nothing to delete.")
	case applied:
		fmt.Fprintf(w, "Applying %d deletion(s).\n", p.Deletions())
	default:
		fmt.Fprintf(w, "Dry run: nothing deleted. Re-run with --apply to delete %d entities.\n", p.Deletions())
	}
}

func writeLine(w io.Writer, label string, e model.RemoteEntity, note string) {
	created := "-"
	if !e.Created.IsZero() {
		created = e.Created.UTC().Format(time.RFC3339)
	}
	line := fmt.Sprintf("  %s %s created=%s %q", label, e.RemoteID, created, e.Summary)
	if note != "" {
		line += " [" + note + "]"
	}
	fmt.Fprintln(w, line)
}
