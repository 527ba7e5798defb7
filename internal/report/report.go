// Package report renders store-backed summaries for the status, report,
// diff and export commands.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/ranolabs/rano/internal/store"
)

// Status prints the most recent session's active flow count and
// per-provider connect totals.
func Status(w io.Writer, st *store.Store) error {
	sess, err := st.LatestSession()
	if err != nil {
		return fmt.Errorf("no sessions recorded")
	}
	agg, err := st.SessionAggregates(sess.RunID)
	if err != nil {
		return err
	}
	name := sess.RunID
	if sess.Name != "" {
		name = fmt.Sprintf("%s (%s)", sess.Name, sess.RunID)
	}
	fmt.Fprintf(w, "session %s started %s\n", name, sess.StartTS.Format(time.RFC3339))
	fmt.Fprintf(w, "%d active, %d connects, %d closes", agg.Active, agg.Connects, agg.Closes)
	if agg.Alerts > 0 {
		fmt.Fprintf(w, ", %d alerts", agg.Alerts)
	}
	fmt.Fprintln(w)
	for _, p := range sortedByCount(agg.PerProvider) {
		fmt.Fprintf(w, "  %s:%d\n", p, agg.PerProvider[p])
	}
	return nil
}

// Report prints one row per recorded session, newest first.
func Report(w io.Writer, st *store.Store, limit int) error {
	sessions, err := st.Sessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions recorded")
		return nil
	}
	for _, sess := range sessions {
		duration := "running"
		if sess.EndTS != nil {
			duration = sess.EndTS.Sub(sess.StartTS).Round(time.Second).String()
		}
		agg, err := st.SessionAggregates(sess.RunID)
		if err != nil {
			return err
		}
		top := ""
		if providers := sortedByCount(agg.PerProvider); len(providers) > 0 {
			top = providers[0]
		}
		label := sess.RunID
		if sess.Name != "" {
			label = sess.Name
		}
		fmt.Fprintf(w, "%-20s %s %8s connects=%d closes=%d top=%s\n",
			label, sess.StartTS.Format("2006-01-02 15:04:05"), duration,
			agg.Connects, agg.Closes, top)
	}
	return nil
}

// Diff compares two sessions' provider counts and domain sets. threshold is
// the percent change below which a count delta is not reported.
func Diff(w io.Writer, st *store.Store, oldRef, newRef string, threshold int) error {
	oldSess, err := st.FindSession(oldRef)
	if err != nil {
		return err
	}
	newSess, err := st.FindSession(newRef)
	if err != nil {
		return err
	}
	oldAgg, err := st.SessionAggregates(oldSess.RunID)
	if err != nil {
		return err
	}
	newAgg, err := st.SessionAggregates(newSess.RunID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "diff %s -> %s (threshold %d%%)\n", oldRef, newRef, threshold)
	for _, d := range sortedKeys(newAgg.Domains) {
		if _, ok := oldAgg.Domains[d]; !ok {
			fmt.Fprintf(w, "new domain %s\n", d)
		}
	}
	for _, d := range sortedKeys(oldAgg.Domains) {
		if _, ok := newAgg.Domains[d]; !ok {
			fmt.Fprintf(w, "removed domain %s\n", d)
		}
	}
	for _, d := range sortedKeys(oldAgg.Domains) {
		newCount, ok := newAgg.Domains[d]
		if !ok {
			continue
		}
		oldCount := oldAgg.Domains[d]
		if exceedsThreshold(oldCount, newCount, threshold) {
			fmt.Fprintf(w, "changed domain %s (%d -> %d)\n", d, oldCount, newCount)
		}
	}

	providers := map[string]struct{}{}
	for p := range oldAgg.PerProvider {
		providers[p] = struct{}{}
	}
	for p := range newAgg.PerProvider {
		providers[p] = struct{}{}
	}
	names := make([]string, 0, len(providers))
	for p := range providers {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		oldCount := oldAgg.PerProvider[p]
		newCount := newAgg.PerProvider[p]
		if oldCount == newCount || !exceedsThreshold(oldCount, newCount, threshold) {
			continue
		}
		fmt.Fprintf(w, "provider %s: %d -> %d\n", p, oldCount, newCount)
	}
	return nil
}

// exceedsThreshold reports whether the relative change between counts is at
// least threshold percent. Appearing or disappearing always qualifies.
func exceedsThreshold(oldCount, newCount uint64, threshold int) bool {
	if oldCount == newCount {
		return false
	}
	if oldCount == 0 || newCount == 0 {
		return true
	}
	var delta uint64
	if newCount > oldCount {
		delta = newCount - oldCount
	} else {
		delta = oldCount - newCount
	}
	return delta*100 >= uint64(threshold)*oldCount
}

// Export dumps a session's events as JSON lines or CSV.
func Export(w io.Writer, st *store.Store, ref, format string) error {
	sess, err := st.FindSession(ref)
	if err != nil {
		return err
	}
	evs, err := st.EventsForSession(sess.RunID)
	if err != nil {
		return err
	}
	switch format {
	case "", "jsonl", "json":
		enc := json.NewEncoder(w)
		for i := range evs {
			if err := enc.Encode(&evs[i]); err != nil {
				return err
			}
		}
		return nil
	case "csv":
		cw := csv.NewWriter(w)
		header := []string{"ts", "run_id", "event", "provider", "pid", "comm", "cmdline",
			"proto", "local_ip", "local_port", "remote_ip", "remote_port", "domain",
			"remote_is_private", "ip_version", "duration_ms", "alert"}
		if err := cw.Write(header); err != nil {
			return err
		}
		for i := range evs {
			ev := &evs[i]
			domain := ""
			if ev.Domain != nil {
				domain = *ev.Domain
			}
			duration := ""
			if ev.DurationMS != nil {
				duration = strconv.FormatInt(*ev.DurationMS, 10)
			}
			record := []string{
				ev.TS.Format(time.RFC3339Nano), ev.RunID, string(ev.Event), ev.Provider,
				strconv.Itoa(int(ev.PID)), ev.Comm, ev.Cmdline, string(ev.Proto),
				ev.LocalIP, strconv.Itoa(int(ev.LocalPort)), ev.RemoteIP,
				strconv.Itoa(int(ev.RemotePort)), domain,
				strconv.FormatBool(ev.RemoteIsPrivate), strconv.Itoa(ev.IPVersion),
				duration, strconv.FormatBool(ev.Alert),
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unknown export format %q (want jsonl or csv)", format)
	}
}

func sortedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// sortedByCount orders providers by descending count, name ascending on ties.
func sortedByCount(m map[string]uint64) []string {
	out := sortedKeys(m)
	sort.SliceStable(out, func(i, j int) bool { return m[out[i]] > m[out[j]] })
	return out
}
