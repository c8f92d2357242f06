package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"topicchat/cmd/internal/app"
	"topicchat/cmd/internal/storage"
)

var (
	configPath string
	logLevel   string

	cfg    app.Config
	logger *slog.Logger
	closer io.Closer
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default $"+app.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	loginCmd.Flags().StringP("username", "u", "", "Username")
	loginCmd.Flags().StringP("password", "p", "", "Password (read from stdin when empty)")
	_ = loginCmd.MarkFlagRequired("username")

	chatCmd.Flags().StringP("topic", "t", "", "Topic to join on start (default: the first configured topic)")

	rootCmd.AddCommand(versionCmd, loginCmd, logoutCmd, whoamiCmd, healthCmd, topicsCmd, chatCmd)
}

// chatLogPath places the chat command's log next to the state file, or in the user
// cache dir when the session is not stored in a file.
func chatLogPath(c app.Config) string {
	if strings.EqualFold(c.Storage.Kind, storage.KindFile) && strings.TrimSpace(c.Storage.Path) != "" {
		return filepath.Join(filepath.Dir(c.Storage.Path), "topicchat.log")
	}
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return filepath.Join(".topicchat", "topicchat.log")
	}
	return filepath.Join(dir, "topicchat", "topicchat.log")
}

var (
	rootCmd = &cobra.Command{
		Use:           "topicchat",
		Short:         "Topic-based chat client",
		Long:          `topicchat logs into a chat backend and joins topic channels over a realtime pub/sub connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd == versionCmd {
				return nil
			}
			c, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				c.Log.Level = logLevel
			}
			if cmd == chatCmd && c.Log.Output != "file" {
				// The interactive view owns the terminal.
				c.Log.Output = "file"
				c.Log.FilePath = chatLogPath(c)
			}
			cfg = c
			logger, closer = app.NewLogger(cfg.Log)
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if closer != nil {
				return closer.Close()
			}
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of topicchat",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "topicchat version %s\n", app.Version)
		},
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			u, err := a.Login(ctx, username, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", u.Username, u.ID)
			return nil
		}),
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
			if err := a.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		}),
	}

	whoamiCmd = &cobra.Command{
		Use:   "whoami",
		Short: "Show the user behind the stored session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
			u, err := a.Whoami(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> id=%s\n", u.Username, u.Email, u.ID)
			return nil
		}),
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check backend liveness",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
			h, err := a.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status=%s version=%s timestamp=%s\n", h.Status, h.Version, h.Timestamp)
			if !h.OK() {
				return fmt.Errorf("backend unhealthy: %s", h.Status)
			}
			return nil
		}),
	}

	topicsCmd = &cobra.Command{
		Use:   "topics",
		Short: "List the configured topics",
		Args:  cobra.NoArgs,
		RunE: withApp(func(_ context.Context, cmd *cobra.Command, a *app.App) error {
			printTopics(cmd.OutOrStdout(), a.Topics(), "")
			return nil
		}),
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat",
		Long: `Connects to the realtime broker and joins a topic.
Lines are sent to the active topic. Commands: /join <topic>, /topics, /quit.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app.App) error {
			topic, _ := cmd.Flags().GetString("topic")
			return runChat(ctx, a, topic, cmd.InOrStdin(), cmd.OutOrStdout())
		}),
	}
)

// withApp builds the App for one command and closes it afterwards.
func withApp(fn func(ctx context.Context, cmd *cobra.Command, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("app.close.fail", "err", err)
			}
		}()
		return fn(ctx, cmd, a)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
