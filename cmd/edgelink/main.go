package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/danmuck/edgelink/internal/link"
	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/relay"
	"github.com/danmuck/edgelink/internal/scanner"
	"github.com/danmuck/edgelink/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Set at build time.
var version = "dev"

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "edgelink",
		Short:         "Edge client that keeps one authenticated link to a gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml")
	rootCmd.AddCommand(
		runCmd(&configPath),
		scanCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "edgelink: %v\n", err)
		os.Exit(1)
	}
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and serve sessions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := loadAppConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg appConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.New(reg)

	var table services.Table = services.Static(nil)
	var scan *scanner.Scanner
	if cfg.ScanEnabled {
		scan = scanner.New(cfg.Scan, scanner.WithMetrics(metrics))
		table = scan
	}

	client, err := link.New(cfg.Link, link.WithServices(table), link.WithMetrics(metrics))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	if scan != nil {
		g.Go(func() error { return scan.Run(gctx) })
	}
	if len(cfg.Relays) > 0 {
		g.Go(func() error { return relay.RunAll(gctx, client, cfg.Relays) })
	}
	if cfg.AdminAddr != "" {
		g.Go(func() error { return serveAdmin(gctx, cfg.AdminAddr, adminRouter(client, reg)) })
	}
	log.Info().
		Str("client_id", cfg.Link.ClientID).
		Str("addr", cfg.Link.Address).
		Bool("scan", cfg.ScanEnabled).
		Int("relays", len(cfg.Relays)).
		Msg("edgelink.run started")
	return g.Wait()
}

func scanCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one service scan with the configured targets and print the table",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := loadAppConfig(*configPath)
			if err != nil {
				return err
			}
			records, err := scanner.New(cfg.Scan).Scan(cmd.Context())
			if err != nil {
				return err
			}
			records = services.Filter{IncludeUnknown: cfg.Link.IncludeUnknownServices}.Apply(records)
			return printRecords(cmd.OutOrStdout(), records)
		},
	}
}

func printRecords(out io.Writer, records []services.Record) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tADDR\tPATH")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Category, r.Addr, r.Path)
	}
	return tw.Flush()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edgelink %s\n", version)
		},
	}
}
