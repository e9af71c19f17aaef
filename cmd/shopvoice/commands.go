package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/indexer"
	"github.com/mohammad-safakhou/shopvoice/internal/server"
	"github.com/mohammad-safakhou/shopvoice/internal/voice"
	"github.com/mohammad-safakhou/shopvoice/mcp"
	ragsearch "github.com/mohammad-safakhou/shopvoice/mcp/tools/rag_search"
	websearch "github.com/mohammad-safakhou/shopvoice/mcp/tools/web_search"
)

func toolsCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Run the tool server (rag_search_tool, web_search_tool)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, *cfgPath, "tools")
			if err != nil {
				return err
			}
			defer rt.Close()

			emb, err := rt.embedder()
			if err != nil {
				return err
			}
			store, err := rt.openCatalog(ctx, "")
			if err != nil {
				return err
			}
			defer store.Close()
			if meta, err := store.Meta(ctx); err != nil {
				rt.log.Warn("catalog not ready", zap.Error(err))
			} else if meta.Embedder != emb.Name() {
				rt.log.Warn("catalog was built with a different embedder",
					zap.String("catalog", meta.Embedder), zap.String("configured", emb.Name()))
			}

			ws := rt.cfg.WebSearch
			if !ws.Available() {
				rt.log.Warn("SERPER_API_KEY not set; web_search_tool will report itself unavailable")
			}
			serper := websearch.NewSerper(websearch.SerperOptions{
				APIKey:          ws.SerperAPIKey,
				Endpoint:        ws.Endpoint,
				Timeout:         ws.Timeout,
				BreakerFailures: ws.BreakerFailures,
				BreakerCooldown: ws.BreakerCooldown,
			})

			reg := mcp.NewRegistry().MustRegister(
				ragsearch.NewTool(store, emb, rt.cfg.Catalog.DefaultResults, rt.log),
				websearch.NewTool(serper, rt.log),
			)
			srv := mcp.NewServer(reg, mcp.Options{
				Name:        "shopvoice-tools",
				Version:     version,
				CallTimeout: rt.cfg.Tools.CallTimeout,
			}, rt.log)
			return srv.ListenAndServe(ctx, rt.cfg.Tools.ListenAddress)
		},
	}
}

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, *cfgPath, "api")
			if err != nil {
				return err
			}
			defer rt.Close()

			assistant, err := rt.assistant(ctx, false)
			if err != nil {
				return err
			}
			hist, closeHist, err := rt.history(ctx)
			if err != nil {
				return err
			}
			defer closeHist()

			if addr == "" {
				addr = rt.cfg.Server.Address
			}
			return server.New(assistant, hist, rt.log).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	return cmd
}

func askCMD(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer one shopping question and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, *cfgPath, "cli")
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := rt.pipeline(ctx)
			if err != nil {
				return err
			}
			res, err := p.Run(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Response)
			for _, w := range res.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full pipeline result as JSON")
	return cmd
}

func voiceCMD(cfgPath *string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "voice <audio-file>",
		Short: "Transcribe a recorded question, answer it and write the spoken reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, *cfgPath, "cli")
			if err != nil {
				return err
			}
			defer rt.Close()

			assistant, err := rt.assistant(ctx, true)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			reply, err := assistant.AskAudio(ctx, f, args[0], out != "")
			if errors.Is(err, voice.ErrEmptyTranscript) {
				return fmt.Errorf("no speech recognised in %s", args[0])
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "You said:", reply.Transcript)
			fmt.Fprintln(w, reply.Result.Response)
			if reply.Speech != nil {
				if err := os.WriteFile(out, voice.WAV(reply.Speech), 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "spoken reply written to", out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "speech.wav", "where to write the spoken reply; empty to skip speech")
	return cmd
}

func indexCMD(cfgPath *string) *cobra.Command {
	var (
		backend   string
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "index [dataset]",
		Short: "Rebuild the product collection from a parquet, CSV or JSONL dataset",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, *cfgPath, "indexer")
			if err != nil {
				return err
			}
			defer rt.Close()

			dataset := rt.cfg.Catalog.Dataset
			if len(args) == 1 {
				dataset = args[0]
			}
			if dataset == "" {
				return errors.New("no dataset given (argument or catalog.dataset)")
			}
			if batchSize <= 0 {
				batchSize = rt.cfg.Catalog.BatchSize
			}
			emb, err := rt.embedder()
			if err != nil {
				return err
			}
			store, err := rt.openCatalog(ctx, backend)
			if err != nil {
				return err
			}
			defer store.Close()

			rep, err := indexer.New(store, emb, batchSize, rt.log).Build(ctx, dataset)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "local or pgvector (default catalog.backend)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per embedding batch (default catalog.batch_size)")
	return cmd
}

func migrateCMD(cfgPath *string) *cobra.Command {
	var (
		dir       string
		direction string
		steps     int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the pgvector catalog schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), *cfgPath, "migrate")
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.cfg.Storage.Postgres.Validate(); err != nil {
				return err
			}
			if err := server.Migrate(dir, rt.cfg.Storage.Postgres.DSN(), direction, steps); err != nil {
				return err
			}
			rt.log.Info("migrations applied", zap.String("direction", direction), zap.Int("steps", steps))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}
