package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacktea/mirrorstore/pkg/admin"
	"github.com/jacktea/mirrorstore/pkg/blob"
	"github.com/jacktea/mirrorstore/pkg/cache"
	"github.com/jacktea/mirrorstore/pkg/config"
	"github.com/jacktea/mirrorstore/pkg/metrics"
	"github.com/jacktea/mirrorstore/pkg/reconcile"
	"github.com/jacktea/mirrorstore/pkg/replication"
	"github.com/jacktea/mirrorstore/pkg/storage"
	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

type app struct {
	cfg      config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	local    *blob.LocalStore
	remote   *blob.Client
	resolver *storage.Resolver
	pusher   *replication.Pusher
	inline   *replication.InlineDispatcher
	queue    *replication.Queue
}

func (a *app) ensure() error {
	if a.resolver != nil {
		return nil
	}
	cfg, err := config.Load(viper.GetViper(), time.Now())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	built, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	*a = *built
	return nil
}

// buildApp wires the resolver and its replication path from cfg. The queue
// file is shared with a running worker; one that cannot be opened at all
// degrades to inline replication.
func buildApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	root, err := filepath.Abs(cfg.Storage.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("local root: %w", err)
	}
	cfg.Storage.LocalRoot = root
	local, err := blob.NewLocalStore(root)
	if err != nil {
		return nil, fmt.Errorf("init local store: %w", err)
	}
	remote, err := blob.NewClient(cfg.ClientConfig(cfg.Storage.Credentials()))
	if err != nil {
		return nil, fmt.Errorf("init remote client: %w", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	connect := func(c replication.Credentials) (*blob.Client, error) {
		return blob.NewClient(cfg.ClientConfig(c))
	}
	pusher := replication.NewPusher(connect, local.Filesystem(), logger)
	inline := replication.NewInlineDispatcher(pusher, logger, m)

	a := &app{cfg: cfg, logger: logger, metrics: m, local: local, remote: remote, pusher: pusher, inline: inline}
	var dispatcher replication.Dispatcher = inline
	if !cfg.Queue.Disabled {
		q, err := openQueue(cfg)
		if err != nil {
			logger.Warn("replication queue unavailable, replicating inline", zap.Error(err))
		} else {
			a.queue = q
			dispatcher = &replication.FallbackDispatcher{
				Primary:   replication.NewAsyncDispatcher(q, logger, m),
				Secondary: inline,
				Logger:    logger,
			}
		}
	}
	a.resolver, err = storage.New(cfg.Storage, storage.Deps{
		Local:      local,
		Remote:     remote,
		Cache:      cache.New(cfg.URLCacheSize),
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init resolver: %w", err)
	}
	return a, nil
}

func openQueue(cfg config.Config) (*replication.Queue, error) {
	qc := cfg.QueueConfig()
	if err := os.MkdirAll(filepath.Dir(qc.Path), 0o755); err != nil {
		return nil, err
	}
	return replication.OpenQueue(qc)
}

func (a *app) close() {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "mirrorstore",
		Short:         "local-first blob storage mirrored to an S3 bucket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensure()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mirrorstore")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "mirrorstore"))
		}
	}
	viper.SetEnvPrefix("MIRRORSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("bucket", "", "remote bucket name")
	flags.String("access-key", "", "remote access key")
	flags.String("secret-key", "", "remote secret key")
	flags.String("acl", blob.DefaultACL, "ACL applied to uploaded objects")
	flags.Bool("hashed-names", false, "store blobs under a digest of their content")
	flags.String("hash-algorithm", "md5", "digest for hashed names: md5|sha256|blake3")
	flags.String("custom-domain", "", "domain replacing <bucket>.<public domain> in URLs")
	flags.String("root", "media", "local storage root")
	flags.String("media-url", "", "URL prefix of locally served media")
	flags.String("backup-media-url", "", "URL prefix serving media not yet replicated")

	flags.String("endpoint", "", "S3-compatible endpoint (default AWS)")
	flags.String("region", "", "signing region")
	flags.String("queue", ".mirrorstore/queue.db", "replication queue file")
	flags.Bool("inline", false, "replicate synchronously instead of queueing")
	flags.String("log-level", "info", "log level")

	bindConfig(config.KeyBucket, flags.Lookup("bucket"))
	bindConfig(config.KeyAccessKey, flags.Lookup("access-key"))
	bindConfig(config.KeySecretKey, flags.Lookup("secret-key"))
	bindConfig(config.KeyACL, flags.Lookup("acl"))
	bindConfig(config.KeyHashedNames, flags.Lookup("hashed-names"))
	bindConfig(config.KeyHashAlgorithm, flags.Lookup("hash-algorithm"))
	bindConfig(config.KeyCustomDomain, flags.Lookup("custom-domain"))
	bindConfig(config.KeyLocalRoot, flags.Lookup("root"))
	bindConfig(config.KeyMediaURL, flags.Lookup("media-url"))
	bindConfig(config.KeyBackupMediaURL, flags.Lookup("backup-media-url"))

	bindConfig(config.KeyEndpoint, flags.Lookup("endpoint"))
	bindConfig(config.KeyRegion, flags.Lookup("region"))
	bindConfig(config.KeyQueuePath, flags.Lookup("queue"))
	bindConfig(config.KeyQueueDisabled, flags.Lookup("inline"))
	bindConfig(config.KeyLogLevel, flags.Lookup("log-level"))
}

func initCommands() {
	rootCmd.AddCommand(
		newPutCmd(),
		newCatCmd(),
		newURLCmd(),
		newSizeCmd(),
		newRmCmd(),
		newExistsCmd(),
		newPushCmd(),
		newWorkerCmd(),
		newQueueCmd(),
		newReconcileCmd(),
	)
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <name>",
		Short: "Save stdin under name and print the stored name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPut(cmd.Context(), application.resolver, args[0], os.Stdin, cmd.OutOrStdout())
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <name>",
		Short: "Print a blob from local disk or the bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCat(cmd.Context(), application.resolver, args[0], cmd.OutOrStdout())
		},
	}
}

func newURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <name>",
		Short: "Print the public URL of a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := application.resolver.URL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func newSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size <name>",
		Short: "Print the size of a blob in bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := application.resolver.Size(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a blob locally and remotely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.resolver.Delete(cmd.Context(), args[0])
		},
	}
}

func newExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <name>",
		Short: "Report whether a blob is present locally and remotely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doExists(cmd.Context(), application.resolver, args[0], cmd.OutOrStdout())
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <name>",
		Short: "Replicate a local blob to the bucket now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPush(cmd.Context(), application, args[0])
		},
	}
}

func newWorkerCmd() *cobra.Command {
	var once bool
	var adminAddr string
	var reconcileEvery time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the replication worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if application.queue == nil {
				return errors.New("worker: replication queue unavailable")
			}
			w := replication.NewWorker(application.queue, application.pusher, application.cfg.WorkerConfig(), application.logger, application.metrics)
			if once {
				n, err := w.Drain(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d task(s)\n", n)
				return nil
			}
			adminCfg := application.cfg.Admin
			if adminAddr != "" {
				adminCfg.Addr = adminAddr
			}
			if reconcileEvery > 0 {
				stop := application.sweeper().Start(cmd.Context(), reconcileEvery)
				defer stop()
			}
			return runWorker(cmd.Context(), w, adminCfg)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process queued tasks and exit")
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-interval", 0, "periodically re-dispatch local blobs missing from the bucket")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "serve metrics, health and queue admin on this address")
	return cmd
}

func newQueueCmd() *cobra.Command {
	var requeue string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show replication queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if application.queue == nil {
				return errors.New("queue: replication queue unavailable")
			}
			if requeue != "" {
				return application.queue.Requeue(cmd.Context(), requeue)
			}
			return doQueueStatus(cmd.Context(), application.queue, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&requeue, "requeue", "", "move a dead task back to pending by id")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-dispatch replication for local blobs missing from the bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := application.sweeper()
			if limit > 0 {
				s = reconcile.NewSweeper(application.sweeperOptions(limit))
			}
			n, err := s.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d blob(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum blobs to dispatch (0 for all)")
	return cmd
}

func (a *app) sweeperOptions(limit int) reconcile.Options {
	return reconcile.Options{
		Local:      a.local,
		Remote:     a.remote,
		Bucket:     a.resolver.Config().Bucket,
		Dispatcher: a.resolver.Dispatcher(),
		Task:       a.resolver.Task,
		Limit:      limit,
		Logger:     a.logger,
	}
}

func (a *app) sweeper() *reconcile.Sweeper {
	return reconcile.NewSweeper(a.sweeperOptions(0))
}

func runWorker(ctx context.Context, w *replication.Worker, cfg config.Admin) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.Addr != "" {
		handler := admin.NewHandler(admin.Options{
			Registry:  application.metrics.Registry(),
			Queue:     application.queue,
			Worker:    w,
			Token:     cfg.Token,
			RateLimit: cfg.RateLimit,
			Logger:    application.logger,
		})
		srv = &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				application.logger.Error("admin server", zap.Error(err))
			}
		}()
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdown)
	}
	return w.Stop(shutdown)
}

func doPut(ctx context.Context, r *storage.Resolver, name string, in io.Reader, out io.Writer) error {
	final, err := r.Save(ctx, name, in)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, final)
	return nil
}

func doCat(ctx context.Context, r *storage.Resolver, name string, out io.Writer) error {
	f, err := r.Open(ctx, name, storage.ReadOnly)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(out, f)
	return err
}

func doExists(ctx context.Context, r *storage.Resolver, name string, out io.Writer) error {
	local, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "local: %t\nremote: %t\n", local, r.ExistsRemote(ctx, name))
	return nil
}

func doPush(ctx context.Context, a *app, name string) error {
	ok, err := a.local.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "push", name)
	}
	sc := a.cfg.Storage
	d := replication.NewDescriptor(name, a.local.Path(name), sc.ACL, sc.Bucket, sc.Credentials(), sc.Headers)
	return a.inline.Dispatch(ctx, d)
}

func doQueueStatus(ctx context.Context, q *replication.Queue, out io.Writer) error {
	pending, err := q.Len()
	if err != nil {
		return err
	}
	inflight, err := q.InFlight()
	if err != nil {
		return err
	}
	dead, err := q.Dead(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pending: %d\nin flight: %d\ndead: %d\n", pending, inflight, len(dead))
	for _, d := range dead {
		fmt.Fprintf(out, "  %s %s attempts=%d error=%q\n", d.ID, d.Name, d.Attempts, d.LastError)
	}
	return nil
}
