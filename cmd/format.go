package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/reconcile"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatObservations(out io.Writer, obs []model.Observation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENTITY\tFIELD\tCURRENT\tPROPOSED\tCONF\tSOURCE\tHOLD")
	for _, o := range obs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
			o.ID,
			o.Entity,
			o.Field,
			truncate(model.DisplayValue(o.CurrentValue), 24),
			truncate(model.DisplayValue(o.ProposedValue), 24),
			o.Confidence,
			o.Provenance.Source,
			truncate(o.HoldReason, 48),
		)
	}
	w.Flush()
}

func formatBatches(out io.Writer, batches []model.Batch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSOURCE\tSTATUS\tROWS\tOK\tFAILED\tSTARTED")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			b.Key,
			b.Source,
			b.Status,
			b.RowsSeen,
			b.RowsSucceeded,
			b.RowsFailed,
			b.StartedAt.Format(time.DateTime),
		)
	}
	w.Flush()
}

func formatLocks(out io.Writer, locks []model.Lock) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tFIELD\tACTIVE\tUNTIL\tBY\tREASON")
	for _, l := range locks {
		until := "-"
		if l.Until != nil {
			until = l.Until.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n", l.Entity, l.Field, l.Active, until, orDash(l.LockedBy), l.Reason)
	}
	w.Flush()
}

func formatEntity(out io.Writer, e *model.Entity) {
	fmt.Fprintf(out, "%s (created %s)\n", e.Ref, e.CreatedAt.Format(time.DateTime))
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE\tVERSION\tMODIFIED BY")
	for _, name := range names {
		fv := e.Fields[name]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, model.DisplayValue(fv.Value), fv.Version, orDash(fv.ModifiedBy))
	}
	w.Flush()
}

func formatDecision(out io.Writer, d *reconcile.Decision) {
	fmt.Fprintf(out, "observation %d: %s (%s)\n", d.ObservationID, d.Outcome, d.Reason)
	for _, l := range d.Triggered {
		fmt.Fprintf(out, "  %s\n", l.Describe())
	}
}

func formatSummary(out io.Writer, sum reconcile.Summary) {
	outcomes := make([]string, 0, len(sum.ByOutcome))
	for o := range sum.ByOutcome {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)

	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s=%d", o, sum.ByOutcome[reconcile.Outcome(o)]))
	}
	fmt.Fprintf(out, "reconciled %d (errors %d, expired %d) %s\n", sum.Total, sum.Errors, sum.Expired, strings.Join(parts, " "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
