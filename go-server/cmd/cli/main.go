package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/salesforce-connector/internal/app/config"
	"github.com/salesforce-connector/internal/app/connector"
	"github.com/salesforce-connector/internal/app/setup"
	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/internal/infrastructure/browser"
	"github.com/salesforce-connector/internal/metrics"
	"github.com/salesforce-connector/pkg/logger"
	"github.com/salesforce-connector/pkg/sfutil"
)

func main() {
	authenticate := flag.Bool("authenticate", false, "Print and open the Salesforce authorization URL")
	query := flag.String("query", "", "SOQL query to run with the stored credentials")
	noBrowser := flag.Bool("no-browser", false, "Do not open a browser with -authenticate")
	flag.Parse()

	if !*authenticate && *query == "" {
		logger.Fatal().Msg("One of --authenticate or --query must be provided")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := setup.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open credential store")
	}
	defer res.Close()

	conn, err := setup.NewConnector(cfg, res, metrics.Nop(), nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create connector")
	}

	if *authenticate {
		url, err := conn.AuthorizationURL(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build authorization URL")
		}
		logger.Info().Str("url", url).Msg("Please use your browser to login with Salesforce")
		logger.Info().Str("path", connector.AuthPath).Msg("The running server completes the login on its callback")
		var opener domain.BrowserOpener = browser.NewOpener()
		if *noBrowser {
			opener = browser.Noop{}
		}
		if err := opener.Open(url); err != nil {
			logger.Warn().Err(err).Msg("Failed to open browser")
		}
	}

	if *query != "" {
		result, err := conn.Query(ctx, *query)
		if errors.Is(err, connector.ErrNotAuthenticated) {
			logger.Fatal().Msg("No stored credentials; run with --authenticate first")
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("query failed")
		}
		if err := sfutil.PrintRecords(os.Stdout, result); err != nil {
			logger.Fatal().Err(err).Msg("failed to print records")
		}
		_ = conn.Stop(ctx)
	}
}
