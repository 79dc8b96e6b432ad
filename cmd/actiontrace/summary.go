// End of run summary
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andrewh/actiontrace/pkg/otlp"
	"github.com/andrewh/actiontrace/pkg/workload"
	"github.com/jedib0t/go-pretty/v6/table"
)

type runSummary struct {
	Workload workload.Stats `json:"workload"`
	Export   *otlp.Stats    `json:"export,omitempty"`
}

func writeSummary(w io.Writer, format string, stats workload.Stats, export *otlp.Stats) error {
	switch format {
	case "none":
		return nil
	case "json":
		return json.NewEncoder(w).Encode(runSummary{Workload: stats, Export: export})
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("actiontrace run")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"elapsed", stats.Elapsed.Round(time.Millisecond)},
		{"traces", stats.Traces},
		{"spans", stats.Spans},
		{"filtered spans", stats.Filtered},
		{"error spans", stats.Errors},
		{"failed traces", stats.FailedTraces},
		{"bounded traces", stats.SpansBounded},
		{"traces/s", fmt.Sprintf("%.1f", stats.TracesPerSec)},
		{"spans/s", fmt.Sprintf("%.1f", stats.SpansPerSec)},
		{"span error rate", fmt.Sprintf("%.2f%%", stats.ErrorRate*100)},
	})
	if export != nil {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"exported", export.Exported},
			{"batches", export.Batches},
			{"retries", export.Retries},
			{"pending", export.Pending},
		})
		for _, r := range otlp.DropReasons {
			if n := export.Dropped[r]; n > 0 {
				t.AppendRow(table.Row{"dropped (" + string(r) + ")", n})
			}
		}
		if export.Breaker != "" {
			t.AppendRow(table.Row{"breaker", export.Breaker})
		}
		if export.Halted {
			t.AppendRow(table.Row{"halted", true})
		}
	}
	t.Render()
	return nil
}
