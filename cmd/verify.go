package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/spigell/delivery-engine/internal/verification"
)

const PromptCancel = "cancel"

var errNoPending = errors.New("no verification requests are waiting")

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Answer a pending verification challenge on a running server",
	Run: func(_ *cobra.Command, _ []string) {
		err := verify(context.Background(), newAPIClient())
		if errors.Is(err, errNoPending) || errors.Is(err, promptui.ErrInterrupt) {
			fmt.Println(err)
			return
		}
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func verify(ctx context.Context, client *apiClient) error {
	var pending []verification.Request
	if err := client.get(ctx, "/verification-code/pending", nil, &pending); err != nil {
		return err
	}
	if len(pending) == 0 {
		return errNoPending
	}

	items := make([]string, 0, len(pending)+1)
	for _, req := range pending {
		items = append(items, describeRequest(req))
	}
	items = append(items, PromptCancel)

	selector := promptui.Select{
		Label: "Which request?",
		Items: items,
	}
	idx, _, err := selector.Run()
	if err != nil {
		return err
	}
	if idx == len(pending) {
		return promptui.ErrInterrupt
	}
	req := pending[idx]

	if req.ChallengeImageRef != "" {
		fmt.Printf("challenge image: %s\n", req.ChallengeImageRef)
	}

	prompt := promptui.Prompt{
		Label: "Code",
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return verification.ErrEmptyCode
			}
			return nil
		},
	}
	code, err := prompt.Run()
	if err != nil {
		return err
	}

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	body := map[string]string{"requestId": req.ID, "code": strings.TrimSpace(code)}
	if err := client.post(ctx, "/verification-code/submit", body, &resp); err != nil {
		return err
	}

	fmt.Println(resp.Message)
	return nil
}

func describeRequest(req verification.Request) string {
	return fmt.Sprintf("%s (opened %s, expires %s)",
		req.JobName,
		humanize.Time(req.CreatedAt),
		humanize.Time(req.ExpiresAt),
	)
}
