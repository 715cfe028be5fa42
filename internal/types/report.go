package types

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Report renders the snapshot as a plain-text status message suitable for sharing
func (s Snapshot) Report(link string, at time.Time) string {
	var b strings.Builder

	b.WriteString("Indexing Status Update\n\n")
	for _, p := range Pipelines {
		m := s.Pipeline(p)
		b.WriteString(p.Label())
		b.WriteString(":\n")
		if m.Synced {
			b.WriteString("  Fully synchronized with the latest block.\n\n")
			continue
		}
		printer.Fprintf(&b, "  Blocks Left: %d\n", m.BlocksLeft)
		printer.Fprintf(&b, "  Current Speed: %.2f blocks/minute\n", m.Speed)
		printer.Fprintf(&b, "  Indexed Blocks: %d\n", m.IndexedBlocks)
		fmt.Fprintf(&b, "  ETA: %s\n\n", m.ETA)
	}
	printer.Fprintf(&b, "Latest Block: %d\n", s.LatestBlock)
	fmt.Fprintf(&b, "Timestamp: %s\n", at.Format(time.RFC1123))
	if link != "" {
		fmt.Fprintf(&b, "Check it live: %s\n", link)
	}

	return b.String()
}
