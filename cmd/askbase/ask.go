package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/askbase/config"
	"github.com/mohammad-safakhou/askbase/internal/budget"
	"github.com/mohammad-safakhou/askbase/internal/engine"
	"github.com/mohammad-safakhou/askbase/internal/index"
	"github.com/mohammad-safakhou/askbase/internal/llm"
	srv "github.com/mohammad-safakhou/askbase/internal/server"
)

// askCMD answers one question from the local index, no server required.
func askCMD() *cobra.Command {
	var cfgPath string
	var showTrace bool
	var ask = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the local index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			query := strings.Join(args, " ")

			idx, err := index.Open(cfg.Index.Path, cfg.Index.ChunkChars, cfg.Index.ChunkOverlap, nil)
			if err != nil {
				return err
			}
			defer idx.Close()

			logger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
			answerClient := llm.NewClient(cfg.LLM, cfg.LLM.AnswerModel, nil)
			intentClient := llm.NewClient(cfg.LLM, cfg.LLM.IntentModel, nil)
			ctrl := engine.NewController(idx,
				llm.NewClassifier(intentClient, nil),
				answerClient,
				budget.NewAllocator(srv.LimitsFromConfig(cfg.Budget), nil),
				srv.PolicyFromConfig(cfg.Engine),
				engine.StageHooks{},
				logger)

			res, err := ctrl.Run(context.Background(), query, nil)
			if err != nil {
				return err
			}

			fmt.Println(res.Answer)
			if len(res.Citations) > 0 {
				fmt.Println("\nSources:")
				for _, c := range res.Citations {
					if c.Page != nil {
						fmt.Printf("  [%d] %s, page %d (%s)\n", c.Index, c.Title, *c.Page, c.SourceLocator)
					} else {
						fmt.Printf("  [%d] %s (%s)\n", c.Index, c.Title, c.SourceLocator)
					}
				}
			}
			if showTrace {
				for _, tr := range res.Trace {
					fmt.Printf("iteration %d: evidence=%d sufficient=%v reason=%s\n",
						tr.Iteration, tr.Evidence, tr.Verdict.Sufficient, tr.Verdict.Reason)
				}
			}
			if res.Degraded {
				fmt.Println("\n(answer is degraded: retrieval or generation fell back)")
			}
			return nil
		},
	}
	ask.Flags().BoolVar(&showTrace, "trace", false, "print per-iteration loop trace")
	ask.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ask
}
