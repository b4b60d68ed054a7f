package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/canvashub/pkg/server"
)

func init() {
	serveCmd.Flags().Bool("debug", false, "log debug output")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	tomlConfig, err := server.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		config.Debug = true
	}

	opts := server.DefaultOptions(config.Debug)
	opts.InfoLog.Printf("Using config %s", cfgPath)

	srv, err := server.NewServer(config, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		srv.Stop()
		return err
	}

	<-ctx.Done()
	opts.InfoLog.Println("Shutdown signal received")
	return srv.Stop()
}
