package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gkatanacio/hyperdl/download"
)

// terminalSink renders progress snapshots as text.
type terminalSink struct {
	out io.Writer
}

func (s terminalSink) Progress(snap download.Snapshot) {
	fmt.Fprint(s.out, renderSnapshot(snap))
}

func renderSnapshot(snap download.Snapshot) string {
	switch snap.Status {
	case download.StatusCompleted:
		return fmt.Sprintf("Download completed: %s\n", snap.Label)
	case download.StatusCancelled:
		return fmt.Sprintf("Download cancelled: %s\n", snap.Label)
	case download.StatusError:
		return fmt.Sprintf("Download failed: %s\n", snap.Label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Downloading: %s\n", snap.Label)
	fmt.Fprintf(&b, "Progress: %.1f%%\n", snap.Percentage)
	fmt.Fprintf(&b, "Downloaded: %s / %s\n", humanize.IBytes(uint64(snap.Downloaded)), humanize.IBytes(uint64(snap.Total)))
	fmt.Fprintf(&b, "Speed: %s/s\n", humanize.IBytes(uint64(snap.Speed)))
	fmt.Fprintf(&b, "Elapsed: %s\n", snap.Elapsed.Round(time.Second))
	if snap.ETA < 0 {
		fmt.Fprintf(&b, "ETA: unknown\n")
	} else {
		fmt.Fprintf(&b, "ETA: %s\n", snap.ETA.Round(time.Second))
	}
	return b.String()
}
