package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"autoflow/internal/policy"

	"github.com/rs/zerolog/log"
)

// Reporter renders replay results.
type Reporter struct {
	results *Results
}

func NewReporter(results *Results) *Reporter {
	return &Reporter{results: results}
}

// PrintSummary writes a human-readable summary to w.
func (r *Reporter) PrintSummary(w io.Writer) {
	res := r.results
	fmt.Fprintln(w, "=== REPLAY RESULTS ===")
	fmt.Fprintf(w, "Model Version: %s\n", res.ModelVersion)
	if !res.StartTime.IsZero() {
		fmt.Fprintf(w, "Period: %s to %s\n",
			res.StartTime.Format(time.RFC3339),
			res.EndTime.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Cycles: %d (scored %d, skipped %d)\n", res.Cycles, res.Scored, res.Cycles-res.Scored)

	if len(res.Labels) > 0 {
		fmt.Fprintln(w, "\nLABELS")
		for _, k := range sortedKeys(res.Labels) {
			fmt.Fprintf(w, "  %-16s %d\n", k, res.Labels[k])
		}
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintln(w, "\nSKIPPED")
		for _, k := range sortedKeys(res.Skipped) {
			fmt.Fprintf(w, "  %-16s %d\n", k, res.Skipped[k])
		}
	}
	if len(res.Actions) > 0 {
		fmt.Fprintln(w, "\nACTIONS BY TAG")
		for _, k := range sortedKeys(res.Actions) {
			fmt.Fprintf(w, "  %-16s %d\n", k, res.Actions[k])
		}
	}
	fmt.Fprintf(w, "\nDivergences from recorded actions: %d\n", res.Divergences)
	fmt.Fprintln(w, "======================")
}

// WriteCSV writes one row per replayed cycle to path.
func (r *Reporter) WriteCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create replay log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Cycle ID", "Timestamp", "Label", "Score", "Skipped",
		"Action Tag", "Action Value", "Recorded Tag", "Recorded Value", "Recorded Status", "Diverged",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, o := range r.results.Outcomes {
		score := ""
		if o.Skipped == "" {
			score = strconv.FormatFloat(o.Score, 'f', -1, 64)
		}
		actionTag, actionValue, _ := actionColumns(o.Action)
		recTag, recValue, recStatus := actionColumns(o.Recorded)
		record := []string{
			o.CycleID,
			o.Timestamp.UTC().Format(time.RFC3339),
			o.Label,
			score,
			o.Skipped,
			actionTag,
			actionValue,
			recTag,
			recValue,
			recStatus,
			strconv.FormatBool(o.Diverged),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write replay log: %w", err)
	}

	log.Info().Str("file", path).Int("rows", len(r.results.Outcomes)).Msg("Replay log generated")
	return nil
}

func actionColumns(a *policy.Action) (tag, value, status string) {
	if a == nil {
		return "", "", ""
	}
	return a.TargetTag, a.NewValue.String(), string(a.Status)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
