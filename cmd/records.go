package cmd

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spigell/delivery-engine/internal/records"
	"github.com/spigell/delivery-engine/internal/utils"
)

const recordTitleLength = 40

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List recent delivery records of an account on a running server",
	Run: func(cmd *cobra.Command, _ []string) {
		q := url.Values{}
		q.Set("size", cmd.Flag("size").Value.String())
		q.Set("page", cmd.Flag("page").Value.String())
		if status := cmd.Flag("status").Value.String(); status != "" {
			q.Set("status", status)
		}
		if keyword := cmd.Flag("keyword").Value.String(); keyword != "" {
			q.Set("keyword", keyword)
		}

		if err := printRecords(context.Background(), newAPIClient(), q); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(recordsCmd)

	recordsCmd.Flags().IntP("size", "n", 20, "records per page")
	recordsCmd.Flags().IntP("page", "p", 1, "page number")
	recordsCmd.Flags().StringP("status", "s", "", "only records with this status")
	recordsCmd.Flags().StringP("keyword", "k", "", "only records whose title or company contains this text")
}

func printRecords(ctx context.Context, client *apiClient, q url.Values) error {
	var page records.Page
	if err := client.get(ctx, "/delivery/records", q, &page); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "APPLIED\tSTATUS\tSCORE\tTITLE\tCOMPANY\tREASON")
	for _, r := range page.Items {
		title := r.Title
		if r.Manual {
			title += " (manual)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(r.AppliedAt),
			r.Status,
			strconv.FormatFloat(r.MatchScore*100, 'f', 0, 64)+"%",
			utils.TruncateForLog(title, recordTitleLength),
			r.Company,
			r.Reason,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\npage %d of %d, %s records\n", page.Page, page.Pages, humanize.Comma(page.Total))
	return nil
}
