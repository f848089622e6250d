package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/lexitask/article"
	"github.com/c360studio/lexitask/cache"
	"github.com/c360studio/lexitask/executor"
	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/router"
	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/telemetry"
	"github.com/c360studio/lexitask/transport"
	"github.com/c360studio/lexitask/transport/natsbus"
)

type submitOptions struct {
	text    string
	file    string
	url     string
	source  string
	target  string
	options map[string]string
	useNATS bool
}

func submitCmd(opts *globalOptions) *cobra.Command {
	so := &submitOptions{}

	kinds := make([]string, 0, len(task.AllKinds()))
	for _, k := range task.AllKinds() {
		kinds = append(kinds, string(k))
	}

	cmd := &cobra.Command{
		Use:       "submit <kind>",
		Short:     "Run one task and print its result as JSON",
		Long:      "Submit runs one task. Kinds: " + strings.Join(kinds, ", ") + ".",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		Example: `  lexitask submit translate --text "la casa" --source es --target en
  lexitask submit summarize --url https://example.com/news/article --option sentences=2
  echo "Je suis ici" | lexitask submit detect_language --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.submit(cmd.Context(), cmd, task.Kind(args[0]), so)
		},
	}

	cmd.Flags().StringVarP(&so.text, "text", "t", "", "Input text")
	cmd.Flags().StringVarP(&so.file, "file", "f", "", "Read input text from a file (- for stdin)")
	cmd.Flags().StringVar(&so.url, "url", "", "Fetch an article and use its main text as input")
	cmd.Flags().StringVarP(&so.source, "source", "s", "", "Source language tag")
	cmd.Flags().StringVar(&so.target, "target", "", "Target language tag")
	cmd.Flags().StringToStringVarP(&so.options, "option", "o", nil, "Kind-specific option, e.g. level=B1 or sentences=3")
	cmd.Flags().BoolVar(&so.useNATS, "nats", false, "Route the task to serve workers over NATS instead of running it in-process")
	cmd.MarkFlagsMutuallyExclusive("text", "file", "url")

	return cmd
}

func (a *app) submit(ctx context.Context, cmd *cobra.Command, kind task.Kind, so *submitOptions) error {
	if !kind.IsValid() {
		return fmt.Errorf("unknown task kind %q", kind)
	}

	payload, err := a.buildPayload(ctx, cmd.InOrStdin(), so)
	if err != nil {
		return err
	}

	r, cleanup, err := a.newRouter(ctx, so.useNATS)
	if err != nil {
		return err
	}
	defer cleanup()

	stderr := cmd.ErrOrStderr()
	var meta protocol.Meta
	res, err := r.Submit(ctx, kind, payload, router.WithMeta(&meta), router.WithProgress(func(p task.Progress) {
		if p.Total > 0 {
			fmt.Fprintf(stderr, "%s %.0f%%\n", p.Status, p.Percent())
			return
		}
		fmt.Fprintln(stderr, p.Status)
	}))
	a.logger.Debug("Task settled", "kind", kind, "cache_hit", meta.CacheHit,
		"attempts", meta.Attempts, "provider", meta.Provider, "duration_ms", meta.DurationMs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func (a *app) buildPayload(ctx context.Context, stdin io.Reader, so *submitOptions) (task.Payload, error) {
	p := task.Payload{
		Text:       so.text,
		SourceLang: so.source,
		TargetLang: so.target,
		Options:    so.options,
	}

	switch {
	case so.file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return p, fmt.Errorf("read stdin: %w", err)
		}
		p.Text = string(data)
	case so.file != "":
		data, err := os.ReadFile(so.file)
		if err != nil {
			return p, fmt.Errorf("read input file: %w", err)
		}
		p.Text = string(data)
	case so.url != "":
		art, err := article.NewExtractor(article.WithLogger(a.logger)).Extract(ctx, so.url)
		if err != nil {
			return p, fmt.Errorf("extract article: %w", err)
		}
		p.Text = art.Text
		if p.SourceLang == "" {
			p.SourceLang = art.Lang
		}
	}

	if strings.TrimSpace(p.Text) == "" {
		return p, fmt.Errorf("no input: use --text, --file or --url")
	}
	return p, nil
}

// newRouter builds a router over an in-process worker or the NATS worker pool.
func (a *app) newRouter(ctx context.Context, useNATS bool) (*router.Router, func(), error) {
	routerOpts := []router.Option{
		router.WithLogger(a.logger),
		router.WithWatchdog(a.cfg.Router.Watchdog),
		router.WithKindWatchdog(a.cfg.WatchdogFor),
		router.WithStartupTimeout(a.cfg.Router.StartupTimeout),
	}

	if !useNATS {
		results, err := cache.New(a.cfg.Cache.Capacity)
		if err != nil {
			return nil, nil, err
		}
		attempts := telemetry.New(a.cfg.Telemetry.Capacity,
			telemetry.WithLogger(a.logger),
			telemetry.WithVerbose(a.cfg.Telemetry.Verbose))

		starter := executor.InProcess(a.workerFactory(workerDeps{cache: results, telemetry: attempts}), a.logger)
		r := router.New(starter, routerOpts...)
		return r, func() { r.Close() }, nil
	}

	client, err := natsbus.Connect(ctx, a.cfg.NATS.URL, appName+"-cli", a.logger)
	if err != nil {
		return nil, nil, err
	}
	var starter transport.Starter = natsbus.NewStarter(client, a.cfg.NATS.Subject, natsbus.WithLogger(a.logger))
	r := router.New(starter, routerOpts...)
	return r, func() {
		r.Close()
		client.Close(context.Background())
	}, nil
}
