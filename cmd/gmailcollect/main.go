// The gmailcollect command downloads the Gmail messages matching a set
// of search queries, with their metadata and attachments, to local
// folders.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/matta/gmailcollect/internal/collect"
	"github.com/matta/gmailcollect/internal/config"
	"github.com/matta/gmailcollect/internal/gmail"
	"github.com/matta/gmailcollect/internal/gmailhttp"
	"github.com/matta/gmailcollect/internal/materialize"
	"github.com/matta/gmailcollect/internal/message"
	"github.com/matta/gmailcollect/internal/persist"
	"github.com/matta/gmailcollect/internal/plan"
	"github.com/matta/gmailcollect/internal/runlog"
	"github.com/matta/gmailcollect/internal/store"
)

type flags struct {
	config  string
	trace   bool
	verbose bool
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "gmailcollect",
		Short:         "Collect Gmail messages matching search queries to local disk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.config, "config", "", "YAML run configuration")
	pf.BoolVarP(&f.trace, "trace", "T", false, "request debug tracing")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	pf.String("run-name", "", "name of the run folder")
	pf.Bool("download-attachments", false, "save attachments")
	pf.Int("max-retries", 0, "attempts per message")
	v.BindPFlag("run_name", pf.Lookup("run-name"))
	v.BindPFlag("postman.download_attachments", pf.Lookup("download-attachments"))
	v.BindPFlag("max_retries", pf.Lookup("max-retries"))

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Plan the searches and download every result",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := setup(cmd.Context(), v, f)
				if err != nil {
					return err
				}
				return a.run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "plan",
			Short: "Run the searches and print how many messages each finds",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := setup(cmd.Context(), v, f)
				if err != nil {
					return err
				}
				results, err := a.plan(cmd.Context())
				if err != nil {
					return err
				}
				for i, refs := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "search_query_%d\t%d\t%s\n", i, len(refs), a.cfg.Queries[i].Query())
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "auth",
			Short: "Authorize access to the mailbox and store the token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := setup(cmd.Context(), v, f)
				if err != nil {
					return err
				}
				email, err := a.gmail.Profile(cmd.Context())
				if err != nil {
					return errors.Wrap(err, "unable to read the mailbox profile")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Authorized as %s\n", email)
				return nil
			},
		},
	)
	return root
}

// app is the state shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *gmailhttp.Session
	gmail   *gmail.GmailService
}

func setup(ctx context.Context, v *viper.Viper, f *flags) (*app, error) {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(v, f.config)
	if err != nil {
		return nil, err
	}
	tokens, err := gmailhttp.NewTokenStore(cfg.Postman.TokenStore, cfg.Postman.SecretFilePath, cfg.Postman.Email, cfg.Postman.KeyringDir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open the token store")
	}
	opts := gmailhttp.Options{
		SecretFile: cfg.Postman.SecretFilePath,
		Store:      tokens,
		APIKey:     cfg.Postman.APIKey,
		Logger:     logger,
	}
	if f.trace {
		opts.Trace = os.Stderr
	}
	session, err := gmailhttp.NewSession(opts)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail HTTP client")
	}
	client, err := session.Authenticate(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to authenticate")
	}
	s, err := gmail.New(ctx, client, logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail")
	}
	return &app{cfg: cfg, logger: logger, session: session, gmail: s}, nil
}

func (a *app) plan(ctx context.Context) ([][]message.Reference, error) {
	p := &plan.Planner{Searcher: a.gmail, Logger: a.logger}
	results, err := p.Plan(ctx, a.cfg.Queries)
	if err != nil {
		return nil, errors.Wrap(err, "unable to plan the run")
	}
	return results, nil
}

func (a *app) run(ctx context.Context) error {
	results, err := a.plan(ctx)
	if err != nil {
		return err
	}
	run, err := runlog.Create(a.cfg.LogFolder, a.cfg.Plan(), results, time.Now())
	if err != nil {
		return errors.Wrap(err, "unable to create the run folder")
	}
	a.logger.Info("created run folder", "dir", run.Dir, "run_id", run.Plan.RunID)

	mat := &materialize.Materializer{
		Provider: a.gmail,
		Layout: store.Layout{
			MailRoot:     a.cfg.Postman.MailDumpFolder,
			MetadataRoot: a.cfg.Postman.MetadataDumpFolder,
		},
		DownloadAttachments: a.cfg.Postman.DownloadAttachments,
	}
	c := &collect.Collector{
		Materializer: mat,
		// A failed attempt may mean the token was revoked: get a
		// new one and replace the provider handle.
		Recoverer: collect.RecoverFunc(func(ctx context.Context) error {
			client, err := a.session.Reauthenticate(ctx)
			if err != nil {
				return err
			}
			s, err := gmail.New(ctx, client, a.logger)
			if err != nil {
				return err
			}
			a.gmail = s
			mat.Provider = s
			return nil
		}),
		SleepTime:  a.cfg.SleepTime,
		RetryDelay: a.cfg.RetrySleepTime,
		MaxRetries: a.cfg.MaxRetries,
		Logger:     a.logger,
	}
	if a.cfg.CatalogPath != "" {
		db, err := persist.Open(ctx, a.cfg.CatalogPath, a.logger)
		if err != nil {
			return errors.Wrap(err, "unable to initialize the catalog")
		}
		defer db.Close()
		c.Recorder = db
	}

	sum, err := c.Run(ctx, run, results)
	a.logger.Info("run finished", "dir", run.Dir,
		"completed", sum.Completed, "abandoned", sum.Abandoned, "failed_attempts", sum.FailedAttempts)
	if err != nil {
		return errors.Wrap(err, "unable to collect")
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(config.NewViper()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
