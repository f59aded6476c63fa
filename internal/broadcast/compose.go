package broadcast

import (
	"strings"

	"relaybot/internal/transport"
)

// Header renders the first line of a broadcast.
func Header(label string, urgent bool) string {
	if urgent {
		return "🚨 [" + label + " URGENT] 🚨"
	}
	return "[" + label + "]"
}

// Compose builds the message units: one text unit (header, sender line, blank
// line, body) followed by an image unit when imageURL is set.
func Compose(label string, urgent bool, sender, body, imageURL string) []transport.Unit {
	var b strings.Builder
	b.WriteString(Header(label, urgent))
	b.WriteString("\nFrom: ")
	b.WriteString(sender)
	b.WriteString("\n\n")
	b.WriteString(body)

	units := []transport.Unit{transport.Text(b.String())}
	if imageURL != "" {
		units = append(units, transport.Image(imageURL))
	}
	return units
}
