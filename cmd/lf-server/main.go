package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bromic007/llamafarm-sub004/internal/config"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/server"
)

const shutdownGrace = 10 * time.Second

// errUsage marks malformed invocations (bad flags, stray arguments) so they
// exit 2 instead of the generic 1.
var errUsage = errors.New("usage")

var (
	bannerTitle = color.New(color.Bold, color.FgGreen).SprintFunc()
	bannerKey   = color.New(color.FgCyan).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "lf-server",
		Short: "Self-hosted AI application platform server",
		Long: `lf-server hosts AI applications as config-defined projects: chat
completions with sessions and prompt sets, retrieval over per-project vector
databases, dataset ingest through a task broker, and voice and vision
streaming. Everything is configured through LF_* environment variables.`,
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lf-server %s\n", server.Version)
		},
	}
}

// usageArgs tags positional-argument violations with errUsage.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return nil
	}
}

func runServer() error {
	settings := config.Load()
	logger := logging.Root()
	logger.SetLevel(logging.ParseLevel(settings.LogLevel))

	printBanner(settings)

	srv, err := server.Bootstrap(settings)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		// The listener died on its own; still release the subsystems.
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Close(ctx)
		return err
	case sig := <-quit:
		logger.Info("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func printBanner(settings config.Settings) {
	fmt.Printf("%s %s\n", bannerTitle("LlamaFarm Server"), server.Version)
	fmt.Printf("  %s %s\n", bannerKey("address"), net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port)))
	fmt.Printf("  %s %s\n", bannerKey("data root"), settings.DataRoot)
	fmt.Printf("  %s %s\n", bannerKey("runtime"), settings.RuntimeBaseURL)
	fmt.Printf("  %s %v\n", bannerKey("metrics"), settings.MetricsEnabled)
}
