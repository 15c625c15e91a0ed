package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iudanet/tasksync/internal/backup"
	clientapi "github.com/iudanet/tasksync/internal/client/api"
	"github.com/iudanet/tasksync/internal/client/iocli"
	"github.com/iudanet/tasksync/internal/client/offline"
	"github.com/iudanet/tasksync/internal/client/search"
	"github.com/iudanet/tasksync/internal/client/storage/backend"
	"github.com/iudanet/tasksync/internal/config"
)

// rootFlags глобальные флаги клиента; пустые значения не переопределяют конфигурацию
type rootFlags struct {
	configPath   string
	dbPath       string
	backend      string
	server       string
	secretFile   string
	logLevel     string
	promptSecret bool
	offline      bool
}

// session открытый движок на время одной команды
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *offline.Manager
	io      iocli.IO
	cli     *Cli
}

// NewRootCommand builds the client command tree.
func NewRootCommand(version string) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "tasksync",
		Short:         "Offline-first task client",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to config file (YAML or TOML, default $"+config.EnvPrefix+"CONFIG)")
	pf.StringVar(&flags.dbPath, "db", "", "Path to local database")
	pf.StringVar(&flags.backend, "backend", "", "Storage backend: bolt or sqlite")
	pf.StringVar(&flags.server, "server", "", "Server URL")
	pf.StringVar(&flags.secretFile, "secret-file", "", "Path to file containing the encryption secret")
	pf.BoolVar(&flags.promptSecret, "prompt-secret", false, "Ask for the encryption secret interactively")
	pf.BoolVar(&flags.offline, "offline", false, "Do not contact the server")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	run := func(fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, flags)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.manager.Close(); err != nil {
					s.logger.Error("Failed to close offline manager", "error", err)
				}
			}()
			return fn(ctx, s, args)
		}
	}

	root.AddCommand(
		addCommand(run),
		updateCommand(run),
		getCommand(run),
		listCommand(run),
		deleteCommand(run),
		searchCommand(run),
		&cobra.Command{
			Use:   "sync",
			Short: "Send pending changes to the server",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, s *session, _ []string) error {
				return s.cli.runSync(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show pending changes, conflicts and storage usage",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, s *session, _ []string) error {
				return s.cli.runStatus(ctx)
			}),
		},
		conflictsCommand(run),
		resolveCommand(run),
		cleanupCommand(run),
		backupCommand(run),
	)

	return root
}

type runner func(fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error

func addCommand(run runner) *cobra.Command {
	return &cobra.Command{
		Use:     "add <type> key=value|key:=json ...",
		Short:   "Create an entity",
		Example: "  tasksync add task title='Buy milk' priority=high tags:='[\"shopping\"]'",
		Args:    cobra.MinimumNArgs(1),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			return s.cli.runAdd(ctx, args[0], args[1:])
		}),
	}
}

func updateCommand(run runner) *cobra.Command {
	var unset []string
	cmd := &cobra.Command{
		Use:   "update <type> <id> key=value|key:=json ...",
		Short: "Change entity fields",
		Args:  cobra.MinimumNArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			return s.cli.runUpdate(ctx, args[0], args[1], args[2:], unset)
		}),
	}
	cmd.Flags().StringSliceVar(&unset, "unset", nil, "Fields to remove")
	return cmd
}

func getCommand(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show entity details",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			return s.cli.runGet(ctx, args[0], args[1])
		}),
	}
}

func listCommand(run runner) *cobra.Command {
	var opts ListOptions
	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "List entities of a type",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			return s.cli.runList(ctx, args[0], opts)
		}),
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "Only entities with this sync status")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "deleted", false, "Include deleted entities")
	return cmd
}

func deleteCommand(run runner) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			return s.cli.runDelete(ctx, args[0], args[1], yes)
		}),
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func searchCommand(run runner) *cobra.Command {
	var (
		types []string
		opts  search.Options
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over local entities",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			return s.cli.runSearch(ctx, strings.Join(args, " "), types, opts)
		}),
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Restrict to entity types")
	cmd.Flags().BoolVar(&opts.Prefix, "prefix", false, "Match query terms as prefixes")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	return cmd
}

func conflictsCommand(run runner) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Show version conflicts",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, s *session, _ []string) error {
			return s.cli.runConflicts(ctx, all)
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved conflicts")
	return cmd
}

func resolveCommand(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <local|remote|merge> [key=value ...]",
		Short: "Resolve a conflict",
		Args:  cobra.MinimumNArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			return s.cli.runResolve(ctx, args[0], args[1], args[2:])
		}),
	}
}

func cleanupCommand(run runner) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Free local storage",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, s *session, _ []string) error {
			return s.cli.runCleanup(ctx, force)
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "Clean up even below the quota threshold")
	return cmd
}

func backupCommand(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an encrypted snapshot of local data",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, s *session, _ []string) error {
			svc, err := s.backupService(ctx)
			if err != nil {
				return err
			}
			return s.cli.runBackup(ctx, svc)
		}),
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List backups",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, s *session, _ []string) error {
				svc, err := s.backupService(ctx)
				if err != nil {
					return err
				}
				return s.cli.runBackups(ctx, svc)
			}),
		},
		&cobra.Command{
			Use:   "restore [name]",
			Short: "Replace local data with a backup (latest by default)",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(ctx context.Context, s *session, args []string) error {
				svc, err := s.backupService(ctx)
				if err != nil {
					return err
				}
				var name string
				if len(args) > 0 {
					name = args[0]
				}
				return s.cli.runRestore(ctx, svc, name)
			}),
		},
	)
	return cmd
}

// openSession загружает конфигурацию, открывает хранилище и инициализирует движок
func openSession(ctx context.Context, cmd *cobra.Command, flags *rootFlags) (*session, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.dbPath != "" {
		cfg.Storage.Path = flags.dbPath
	}
	if flags.backend != "" {
		cfg.Storage.Backend = flags.backend
	}
	if flags.server != "" {
		cfg.Remote.BaseURL = flags.server
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	io := iocli.New(cmd.InOrStdin(), cmd.OutOrStdout())
	logger, err := NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	secret, err := getSecret(io, Secrets{
		FromEnv:  cfg.Encryption.Secret,
		FromFile: flags.secretFile,
		Prompt:   flags.promptSecret,
	})
	if err != nil {
		return nil, err
	}
	cfg.Encryption.Secret = secret

	kind, err := backend.ParseKind(cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}
	b, err := backend.Open(ctx, kind, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var remote clientapi.Remote
	if !flags.offline && cfg.Remote.BaseURL != "" {
		client := clientapi.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout.Std(), logger)
		client.SetToken(cfg.Remote.Token)
		remote = client
	}

	opts := offline.OptionsFromConfig(cfg, b, remote)
	// Команда живет недолго: проходы только явные
	opts.SyncInterval = 0

	m := offline.New(opts, logger)
	if err := m.Initialize(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}

	return &session{
		cfg:     cfg,
		logger:  logger,
		manager: m,
		io:      io,
		cli:     New(m, io),
	}, nil
}

// backupService собирает сервис снимков; парольная фраза запрашивается, если не задана в окружении
func (s *session) backupService(ctx context.Context) (*backup.Service, error) {
	sink, err := backup.NewSink(ctx, s.cfg.Backup)
	if err != nil {
		return nil, err
	}
	passphrase := s.cfg.Backup.Passphrase
	if passphrase == "" {
		if passphrase, err = s.io.ReadPassword("Backup passphrase: "); err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
	}
	return backup.NewService(s.manager, sink, passphrase, s.logger)
}
