package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spigell/delivery-engine/internal/scheduler"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the delivery status of an account on a running server",
	Run: func(_ *cobra.Command, _ []string) {
		if err := printStatus(context.Background(), newAPIClient()); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(ctx context.Context, client *apiClient) error {
	var st scheduler.Status
	if err := client.get(ctx, "/delivery/status", nil, &st); err != nil {
		return err
	}

	fmt.Printf("account:     %s\n", client.account)
	fmt.Printf("state:       %s\n", st.State)
	if st.RunID != "" {
		fmt.Printf("run:         %s\n", st.RunID)
	}
	fmt.Printf("delivered:   %s total, %s ok, %s failed, %s manual, %s today\n",
		humanize.Comma(int64(st.TotalDelivered)),
		humanize.Comma(int64(st.SuccessfulDelivered)),
		humanize.Comma(int64(st.FailedDelivered)),
		humanize.Comma(int64(st.ManualDelivered)),
		humanize.Comma(int64(st.TodayDelivered)),
	)
	fmt.Printf("last:        %s\n", relative(st.LastDeliveryTime))
	fmt.Printf("next:        %s\n", relative(st.NextDeliveryTime))
	if st.CurrentJob != nil {
		fmt.Printf("current:     %s at %s\n", st.CurrentJob.Title, st.CurrentJob.Company)
	}
	if st.PendingVerification != nil {
		fmt.Printf("verify:      %s (request %s, run `%s verify`)\n", st.PendingVerification.JobName, st.PendingVerification.ID, app)
	}
	for _, f := range st.Filters {
		if !f.Enabled {
			fmt.Printf("filter off:  %s (%s)\n", f.Name, f.Reason)
		}
	}
	if st.LastError != "" {
		fmt.Printf("last error:  %s\n", st.LastError)
	}

	return nil
}

func relative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}
