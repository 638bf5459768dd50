package main

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
	"github.com/spf13/cobra"
)

func newRetrieveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Run one retrieval against the configured index and print the documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			conn := cfg.Session.Params().Index
			res := a.retriever.Retrieve(cmd.Context(), service.RetrievalRequest{
				Query: strings.Join(args, " "),
				Connection: service.IndexConnection{
					APIKey:         conn.APIKey,
					IndexName:      conn.IndexName,
					EmbeddingModel: conn.EmbeddingModel,
				},
			})
			a.logMetrics()

			if res.Failure != service.FailureNone {
				return fmt.Errorf("%s", res.Diagnostic)
			}
			if len(res.Documents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no documents found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Content())
			return nil
		},
	}
}
