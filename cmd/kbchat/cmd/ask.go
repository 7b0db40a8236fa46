package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MaxWANGCAI/kbchat/internal/chat"
)

// newAskCmd creates the ask command.
func newAskCmd() *cobra.Command {
	var scope string
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question from the command line",
		Long: `Ask one question against a knowledge scope and print the answer.
Useful for smoke-testing a deployment without the HTTP server.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			b, err := buildBackends(cfg)
			if err != nil {
				return err
			}
			defer b.close()

			question := strings.Join(args, " ")
			resp := b.assistant.Ask(cmd.Context(), chat.AskRequest{
				Scope:    scope,
				Question: question,
			})

			fmt.Fprintln(cmd.OutOrStdout(), resp.Answer)

			if showSources && len(resp.Sources) > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
				fmt.Fprintln(cmd.OutOrStdout(), "Sources:")
				for i, src := range resp.Sources {
					title := src.Title
					if title == "" {
						title = src.ID
					}
					fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s (score %.3f)\n", i+1, title, src.Score)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", "", "Knowledge scope to search")
	cmd.Flags().BoolVar(&showSources, "sources", false, "Print the supporting passages")
	return cmd
}
