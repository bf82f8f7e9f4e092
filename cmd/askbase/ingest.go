package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/askbase/config"
	"github.com/mohammad-safakhou/askbase/internal/index"
	"github.com/mohammad-safakhou/askbase/internal/ingest"
)

// ingestCMD fetches every configured source into the index once.
func ingestCMD() *cobra.Command {
	var cfgPath string
	var ing = &cobra.Command{
		Use:   "ingest",
		Short: "Fetch configured sources into the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			idx, err := index.Open(cfg.Index.Path, cfg.Index.ChunkChars, cfg.Index.ChunkOverlap, nil)
			if err != nil {
				return err
			}
			defer idx.Close()

			logger := log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
			runner := ingest.NewRunner(cfg.Ingest, idx, logger)
			n := runner.RunOnce(context.Background())
			docs, _ := idx.DocCount()
			fmt.Printf("indexed %d/%d sources (%d chunks total)\n", n, len(cfg.Ingest.Sources), docs)
			return nil
		},
	}
	ing.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ing
}
