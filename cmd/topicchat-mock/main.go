package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"topicchat/cmd/internal/app"
	"topicchat/cmd/internal/mockbackend"
)

var (
	configPath string
	addr       string
	users      map[string]string
)

func init() {
	rootCmd.AddCommand(versionCmd, hashCmd)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default $"+app.EnvConfigPath+")")
	rootCmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (overrides mock.addr)")
	rootCmd.Flags().StringToStringVar(&users, "user", nil, "Known account as name=password; repeatable. Without any, every password is accepted")
}

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of topicchat-mock",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "topicchat-mock version %s\n", app.Version)
		},
	}

	hashCmd = &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print an argon2id hash usable as a mock.users value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := mockbackend.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:          "topicchat-mock",
		Short:        "Development chat backend",
		Long:         `topicchat-mock serves the chat REST API and the realtime broker for local development and tests.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Mock.Addr = addr
			}
			if len(users) > 0 {
				cfg.Mock.Users = users
			}

			log, closer := app.NewLogger(cfg.Log)
			defer closer.Close()

			m, err := app.NewMock(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return m.Run(ctx)
		},
	}
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
