package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-extract/extract"
	"github.com/dhcgn/imap-extract/filter"
	"github.com/dhcgn/imap-extract/links"
	"github.com/dhcgn/imap-extract/mbox"
	"github.com/dhcgn/imap-extract/message"
	"github.com/dhcgn/imap-extract/stats"
)

const (
	reportFrom        = "From"
	reportTo          = "To"
	reportSubject     = "Subject"
	reportDeliveredTo = "Delivered-To"
	reportLinkHost    = "Link-Host"

	progressEvery = 250
	csvLimit      = 1000
)

var reportCategories = []string{reportDeliveredTo, reportSubject, reportFrom, reportTo, reportLinkHost}

type mboxReport struct {
	Messages  int
	Filtered  int
	Malformed int
	Links     int
	Counts    map[string]map[string]int
	FilterHit map[string]int
}

func newMboxReport() *mboxReport {
	r := &mboxReport{Counts: make(map[string]map[string]int)}
	for _, c := range reportCategories {
		r.Counts[c] = make(map[string]int)
	}
	return r
}

func newMboxStatsCmd() *cobra.Command {
	var (
		reportDir   string
		topN        int
		filterOpts  filter.Options
		extractOpts extract.Options
	)

	cmd := &cobra.Command{
		Use:   "mbox-stats [mbox file]",
		Short: "Analyse an mbox file and show sender, subject and link statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mboxPath := args[0]
			w := cmd.OutOrStdout()

			f, err := filter.New(filterOpts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			spinner, err := pterm.DefaultSpinner.WithWriter(cmd.ErrOrStderr()).Start("Analyzing " + mboxPath)
			if err != nil {
				return err
			}
			report, err := analyzeMbox(mboxPath, f, extract.New(extractOpts), func(r *mboxReport) {
				spinner.UpdateText(fmt.Sprintf("Analyzing %s: %d messages", mboxPath, r.Messages+r.Filtered+r.Malformed))
			})
			if err != nil {
				spinner.Fail(err.Error())
				return fmt.Errorf("error reading mbox file: %w", err)
			}
			spinner.Success(fmt.Sprintf("Analyzed %s", mboxPath))

			printReport(w, report, topN)

			if err := saveCSVReports(report.Counts, reportDir, csvLimit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(w, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	addFilterFlags(cmd.Flags(), &filterOpts)
	addExtractFlags(cmd.Flags(), &extractOpts)
	return cmd
}

// analyzeMbox decodes every message in the archive and counts header values
// and link hosts of the messages the filter allows. progress is called every
// few hundred messages.
func analyzeMbox(path string, f *filter.Filter, extractor *extract.Extractor, progress func(*mboxReport)) (*mboxReport, error) {
	report := newMboxReport()

	err := mbox.Read(path, func(raw []byte) error {
		defer func() {
			if progress != nil && (report.Messages+report.Filtered+report.Malformed)%progressEvery == 0 {
				progress(report)
			}
		}()

		msg, err := message.Decode(raw)
		if err != nil {
			report.Malformed++
			return nil
		}

		details := extractor.Details(msg)
		if !f.AllowsDetails(details) {
			report.Filtered++
			return nil
		}

		report.Messages++
		count := func(category, value string) {
			if value != "" {
				report.Counts[category][value]++
			}
		}
		count(reportFrom, details.Sender)
		count(reportTo, details.Recipient)
		count(reportSubject, details.Subject)
		count(reportDeliveredTo, msg.Header.Get("Delivered-To"))
		for _, link := range extractor.Links(msg) {
			report.Links++
			count(reportLinkHost, links.Host(link))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.FilterHit = f.Stats()
	return report, nil
}

func printReport(w io.Writer, r *mboxReport, topN int) {
	total := r.Messages + r.Filtered + r.Malformed
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(r.Filtered) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%, %d malformed), %d links\n\n",
		r.Messages, r.Filtered, filterPercent, r.Malformed, r.Links)

	if len(r.FilterHit) > 0 {
		fmt.Fprintln(w, "Filter hits:")
		stats.PrettyPrintTop(w, r.FilterHit, -1)
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	for _, category := range reportCategories {
		fmt.Fprintf(w, "Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(w, r.Counts[category], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range reportCategories {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(category)))
		if err := writeCSVReport(filePath, counter[category], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(filePath string, counts map[string]int, limit int) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range stats.Top(counts, limit) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
