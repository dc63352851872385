package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/branchline/concierge/internal/config"
	"github.com/branchline/concierge/internal/triage"
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the triage backend a question",
		Long:  "Sends a single question to the configured triage endpoint and prints the answer. When the endpoint is unreachable the keyword-matched canned response is printed instead.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}

			question := args[0]
			for _, arg := range args[1:] {
				question += " " + arg
			}

			client := triage.NewClient(cfg.Triage.Endpoint,
				time.Duration(cfg.Triage.TimeoutSeconds)*time.Second, log)

			result, err := client.Ask(cmd.Context(), question, "cli")
			if err != nil {
				log.Warn().Err(err).Msg("triage endpoint unavailable, using canned response")
				canned := triage.Resolve(question)
				fmt.Println(canned.Answer)
				if canned.RecommendedNextStep != "" {
					fmt.Println("Next step:", canned.RecommendedNextStep)
				}
				return nil
			}

			fmt.Println(result.Answer)
			if result.RecommendedNextStep != "" {
				fmt.Println("Next step:", result.RecommendedNextStep)
			}
			return nil
		},
	}

	return cmd
}
