// Package export holds the snapshot writers and the dump renderer.
package export

import (
	"Go2Attribution/internal/model"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// RenderText writes the snapshot in the dumpsys-like layout operators read.
func RenderText(w io.Writer, s *model.AttributionSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, s.Title)
	fmt.Fprintf(tw, "Snapshot %s taken at %s\n", s.ID, s.TakenAt.UTC().Format(time.RFC3339))
	fmt.Fprintln(tw, "ADDRESS\tACTIVITY\tBYTES\tWAKEUPS\tWAKELOCK_MS")
	for _, row := range s.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
			row.Address, row.Activity, row.ByteCount, row.WakeupCount, row.WakelockDurationMs)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, s.Wakeup.Title)
	fmt.Fprintf(tw, "Number of wakeups: %d\n", s.Wakeup.NumWakeup)
	for _, e := range s.Wakeup.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			time.UnixMilli(e.WakeupTime).UTC().Format("2006-01-02 15:04:05.000"), e.Activity, e.Address)
	}

	return tw.Flush()
}
