package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Count is a value with how often it occurred.
type Count struct {
	Value string
	N     int
}

// Totals aggregates one numeric column.
type Totals struct {
	Sum  int
	Max  int
	Mean float64
	// NonZero is how many rows had a positive value.
	NonZero int
}

// Stats describes a summary dataset.
type Stats struct {
	Reports    int
	Verdicts   []Count
	OS         []Count
	MIMETypes  []Count
	Behaviors  Totals
	Techniques Totals
	Network    Totals
	Processes  Totals
	// TopTechniques are the most frequent technique ids, most common first.
	TopTechniques []Count
	// UniqueTechniques is the number of distinct technique ids.
	UniqueTechniques int
}

// Analyze aggregates rows, keeping the topN most frequent technique ids.
func Analyze(rows []SummaryRow, topN int) Stats {
	st := Stats{Reports: len(rows)}
	verdicts := map[string]int{}
	oses := map[string]int{}
	mimes := map[string]int{}
	techniques := map[string]int{}

	var behaviors, tech, network, procs []int
	for _, r := range rows {
		verdicts[orUnknown(r.Verdict)]++
		oses[orUnknown(r.OS)]++
		mimes[orUnknown(r.MIMEType)]++
		for _, id := range r.TechniqueIDs {
			techniques[id]++
		}
		behaviors = append(behaviors, r.Behaviors)
		tech = append(tech, r.Techniques)
		network = append(network, r.NetworkConnections)
		procs = append(procs, r.Processes)
	}

	st.Verdicts = ranked(verdicts, 0)
	st.OS = ranked(oses, 5)
	st.MIMETypes = ranked(mimes, 5)
	st.Behaviors = totals(behaviors)
	st.Techniques = totals(tech)
	st.Network = totals(network)
	st.Processes = totals(procs)
	st.TopTechniques = ranked(techniques, topN)
	st.UniqueTechniques = len(techniques)
	return st
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

// ranked sorts counts descending, ties by value. limit <= 0 keeps all.
func ranked(m map[string]int, limit int) []Count {
	out := make([]Count, 0, len(m))
	for v, n := range m {
		out = append(out, Count{Value: v, N: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Value < out[j].Value
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func totals(values []int) Totals {
	var t Totals
	for _, v := range values {
		t.Sum += v
		if v > t.Max {
			t.Max = v
		}
		if v > 0 {
			t.NonZero++
		}
	}
	if len(values) > 0 {
		t.Mean = float64(t.Sum) / float64(len(values))
	}
	return t
}

func pct(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}

// Render prints st as a plain-text report.
func (st Stats) Render(w io.Writer) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "DATASET STATISTICS")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "\nTotal reports: %d\n", st.Reports)

	fmt.Fprintln(w, "\nVerdicts:")
	for _, c := range st.Verdicts {
		fmt.Fprintf(w, "   %s: %d (%.1f%%)\n", c.Value, c.N, pct(c.N, st.Reports))
	}
	fmt.Fprintln(w, "\nOperating systems:")
	for _, c := range st.OS {
		fmt.Fprintf(w, "   %s: %d\n", c.Value, c.N)
	}
	fmt.Fprintln(w, "\nMIME types:")
	for _, c := range st.MIMETypes {
		fmt.Fprintf(w, "   %s: %d\n", c.Value, c.N)
	}

	fmt.Fprintf(w, "\nBehavior activities: total %d, average %.1f, max %d\n",
		st.Behaviors.Sum, st.Behaviors.Mean, st.Behaviors.Max)
	fmt.Fprintf(w, "MITRE techniques: total %d, average %.1f, reports with techniques %d\n",
		st.Techniques.Sum, st.Techniques.Mean, st.Techniques.NonZero)
	fmt.Fprintf(w, "Network connections: total %d, average %.1f\n", st.Network.Sum, st.Network.Mean)
	fmt.Fprintf(w, "Processes: total %d, average %.1f\n", st.Processes.Sum, st.Processes.Mean)

	if len(st.TopTechniques) == 0 {
		fmt.Fprintln(w, "\nNo MITRE techniques found in dataset.")
		return
	}
	fmt.Fprintf(w, "\nTop %d MITRE ATT&CK techniques (%d unique):\n", len(st.TopTechniques), st.UniqueTechniques)
	for i, c := range st.TopTechniques {
		fmt.Fprintf(w, "%2d. %-10s %4d occurrences (%.1f%% of reports)\n", i+1, c.Value, c.N, pct(c.N, st.Reports))
	}
}
