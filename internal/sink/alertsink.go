package sink

import (
	"fmt"
	"io"

	"github.com/ranolabs/rano/internal/alerts"
)

// Alerts writes one line per firing to the alert stream (stderr) and
// optionally rings the terminal bell.
type Alerts struct {
	w    io.Writer
	bell bool
}

// NewAlerts builds the alert stream sink.
func NewAlerts(w io.Writer, bell bool) *Alerts {
	return &Alerts{w: w, bell: bell}
}

// WriteFirings emits the cycle's firings.
func (a *Alerts) WriteFirings(firings []alerts.Firing) error {
	for _, f := range firings {
		subject := ""
		if f.Subject != "" {
			subject = " " + f.Subject
		}
		if _, err := fmt.Fprintf(a.w, "%s ALERT %s%s: %s\n",
			f.TS.Format("15:04:05"), f.Rule, subject, f.Message); err != nil {
			return err
		}
		if a.bell {
			_, _ = fmt.Fprint(a.w, "\a")
		}
	}
	return nil
}
