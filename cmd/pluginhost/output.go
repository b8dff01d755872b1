package main

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/felixgeelhaar/pluginhost/internal/app"
	"github.com/felixgeelhaar/pluginhost/internal/domain/failure"
	"github.com/felixgeelhaar/pluginhost/internal/domain/lifecycle"
	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/ui"
)

var styles = ui.DefaultStyles()

// printManifests lists every discovered descriptor, including duplicates and
// disabled plugins.
func printManifests(w io.Writer, pass *app.Pass) {
	found := slices.Clone(pass.Discovery.Manifests)
	if len(found) == 0 {
		_, _ = fmt.Fprintln(w, "No plugins found.")
		printProblems(w, pass)
		return
	}
	slices.SortFunc(found, func(a, b *manifest.Manifest) int {
		return cmp.Or(cmp.Compare(a.ID, b.ID), cmp.Compare(a.Source, b.Source))
	})

	duplicated := make(map[string]bool, len(pass.Duplicates))
	for _, dup := range pass.Duplicates {
		duplicated[dup.ID] = true
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tVERSION\tTYPE\tSTATUS\tSOURCE")
	_, _ = fmt.Fprintln(tw, "──\t────\t───────\t────\t──────\t──────")
	for _, m := range found {
		kind := "directory"
		if m.Packaged {
			kind = "archive"
		}
		status := "ok"
		switch {
		case duplicated[m.ID]:
			status = "duplicate"
		case slices.Contains(pass.Disabled, m.ID):
			status = "disabled"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", m.ID, m.DisplayName(), m.Version, kind, status, m.Source)
	}
	_ = tw.Flush()

	printProblems(w, pass)
}

// printReport renders the constraint outcome of every plugin in the set.
func printReport(w io.Writer, pass *app.Pass) {
	var loadable, degraded, excluded int
	for _, id := range pass.Set.IDs() {
		m, _ := pass.Set.Get(id)
		report := pass.Plan.Reports[id]
		excludedErr, isExcluded := pass.Plan.Excluded[id]

		ok := !isExcluded
		isDegraded := ok && report != nil && report.Degraded()
		switch {
		case !ok:
			excluded++
		case isDegraded:
			degraded++
		default:
			loadable++
		}

		_, _ = fmt.Fprintf(w, "%s %s %s\n", styles.Symbol(ok, isDegraded), id, styles.Muted.Render(m.Version.String()))
		if report != nil {
			for _, u := range report.UnmetNeeds {
				_, _ = fmt.Fprintf(w, "    needs      %s\n", u)
			}
			for _, u := range report.Conflicts {
				_, _ = fmt.Fprintf(w, "    conflicts  %s\n", u)
			}
			for _, u := range report.UnmetWants {
				_, _ = fmt.Fprintf(w, "    wants      %s\n", u)
			}
		}
		if isExcluded && (report == nil || report.Loadable()) {
			_, _ = fmt.Fprintf(w, "    excluded   %v\n", excludedErr)
		}
	}

	_, _ = fmt.Fprintf(w, "\n%d loadable, %d degraded, %d excluded\n", loadable, degraded, excluded)
	printProblems(w, pass)
}

// printOrder renders the planned load order and the exclusions.
func printOrder(w io.Writer, pass *app.Pass) {
	_, _ = fmt.Fprintln(w, styles.Title.Render("Load order"))
	if len(pass.Plan.Order) == 0 {
		_, _ = fmt.Fprintln(w, "  (nothing to load)")
	}
	for i, id := range pass.Plan.Order {
		m, _ := pass.Plan.Manifest(id)
		line := fmt.Sprintf("%3d. %s %s", i+1, id, m.Version)
		if needs := pass.Plan.Needs(id); len(needs) > 0 {
			line += styles.Muted.Render(" after " + strings.Join(needs, ", "))
		}
		_, _ = fmt.Fprintln(w, line)
	}

	ids := pass.Plan.ExcludedIDs()
	if len(ids) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, styles.Title.Render("Excluded"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, id := range ids {
		err := pass.Plan.Excluded[id]
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%v\n", id, failure.CodeOf(err), err)
	}
	_ = tw.Flush()
}

// printRecords renders lifecycle snapshots.
func printRecords(w io.Writer, snaps []lifecycle.Snapshot) {
	if len(snaps) == 0 {
		_, _ = fmt.Fprintln(w, "No plugins managed.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PLUGIN\tVERSION\tSTATE\tEXTENSIONS\tERROR")
	_, _ = fmt.Fprintln(tw, "──────\t───────\t─────\t──────────\t─────")
	for _, s := range snaps {
		exts := strings.Join(s.Extensions, ",")
		if exts == "" {
			exts = "-"
		}
		errText := "-"
		if s.Err != nil {
			errText = string(failure.CodeOf(s.Err))
			if errText == "" {
				errText = "ERROR"
			}
		}
		state := styles.StateLabel(s.State)
		if s.Degraded && s.State == lifecycle.StateStarted {
			state += " " + styles.Warning.Render("(degraded)")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Version, state, exts, errText)
	}
	_ = tw.Flush()
}

// printProblems lists discovery errors and duplicate ids.
func printProblems(w io.Writer, pass *app.Pass) {
	if len(pass.Discovery.Errors) == 0 && len(pass.Duplicates) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, styles.Error.Render("Problems"))
	for i := range pass.Discovery.Errors {
		_, _ = fmt.Fprintf(w, "  %s %v\n", styles.Symbol(false, false), &pass.Discovery.Errors[i])
	}
	for _, dup := range pass.Duplicates {
		_, _ = fmt.Fprintf(w, "  %s %v\n", styles.Symbol(false, false), dup)
	}
}
