package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal/config"
)

// globals are the flags shared by every command that reads a config file.
type globals struct {
	configPath string
	viper      *viper.Viper
}

// load reads the config file, applies flag and environment overrides and
// builds the logger described by the result.
func (g *globals) load() (*config.Config, *zap.Logger, error) {
	if g.configPath == "" {
		return nil, nil, errors.New("--config is required")
	}
	c, err := config.NewFromFile(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := c.ApplyOverrides(g.viper); err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(c)
	if err != nil {
		return nil, nil, err
	}
	return c, logger, nil
}

func NewRootCommand() *cobra.Command {
	g := &globals{viper: viper.New()}

	var cmd = &cobra.Command{
		Use:           "mapfiles",
		Short:         "Uploads, processes and serves geographic data files",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Path to config file")
	flags.Int("port", 0, "HTTP port, overrides server.port")
	flags.String("log-level", "", "Log level, overrides global.logger.level")
	flags.String("database-dsn", "", "Database dsn, overrides database.dsn")

	g.viper.BindPFlag("port", flags.Lookup("port"))
	g.viper.BindPFlag("log_level", flags.Lookup("log-level"))
	g.viper.BindPFlag("database_dsn", flags.Lookup("database-dsn"))
	g.viper.SetEnvPrefix("MAPFILES")
	g.viper.AutomaticEnv()

	cmd.AddCommand(newServeCommand(g))
	cmd.AddCommand(newDataFileCommand(g))
	cmd.AddCommand(newProjectCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
