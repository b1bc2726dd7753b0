// Package output renders end-of-test summaries and the periodic progress
// line. The richer results viewer is a separate tool; this is the terminal
// fallback.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/torosent/pewpew/internal/stats"
)

// Report is the JSON document emitted with --output-format json and to
// --stats-file.
type Report struct {
	RunID     string          `json:"run_id"`
	Started   time.Time       `json:"started"`
	Duration  time.Duration   `json:"duration_ns"`
	Endpoints []stats.Summary `json:"endpoints"`
}

// PrintReport outputs a human-readable per-endpoint summary.
func PrintReport(w io.Writer, report Report) {
	fmt.Fprintf(w, "\n--- Test Results (run %s) ---\n", report.RunID)
	fmt.Fprintf(w, "Duration: %s\n", report.Duration.Round(time.Millisecond))
	for _, s := range report.Endpoints {
		fmt.Fprintf(w, "\n%s\n", s.Key)
		fmt.Fprintf(w, "  Requests:        %d\n", s.Total)
		writeStatuses(w, s)
		if s.MissedTicks > 0 {
			fmt.Fprintf(w, "  Missed ticks:    %d\n", s.MissedTicks)
		}
		fmt.Fprintf(w, "  Bytes in/out:    %d / %d\n", s.BytesIn, s.BytesOut)
		if s.MaxRTT > 0 {
			fmt.Fprintln(w, "  Latency:")
			fmt.Fprintf(w, "    Min:           %s\n", s.MinRTT)
			fmt.Fprintf(w, "    Mean:          %s\n", s.MeanRTT)
			fmt.Fprintf(w, "    P50:           %s\n", s.P50RTT)
			fmt.Fprintf(w, "    P90:           %s\n", s.P90RTT)
			fmt.Fprintf(w, "    P95:           %s\n", s.P95RTT)
			fmt.Fprintf(w, "    P99:           %s\n", s.P99RTT)
			fmt.Fprintf(w, "    Max:           %s\n", s.MaxRTT)
		}
	}
}

func writeStatuses(w io.Writer, s stats.Summary) {
	if len(s.Statuses) > 0 {
		codes := make([]int, 0, len(s.Statuses))
		for code := range s.Statuses {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		fmt.Fprint(w, "  Statuses:       ")
		for _, code := range codes {
			fmt.Fprintf(w, " %d=%d", code, s.Statuses[code])
		}
		fmt.Fprintln(w)
	}
	if len(s.Errors) > 0 {
		kinds := make([]string, 0, len(s.Errors))
		for kind := range s.Errors {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		fmt.Fprint(w, "  Errors:         ")
		for _, kind := range kinds {
			fmt.Fprintf(w, " %s=%d", kind, s.Errors[kind])
		}
		fmt.Fprintln(w)
	}
}

// PrintJSONReport outputs the report as indented JSON.
func PrintJSONReport(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
