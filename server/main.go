package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"schlangen.tv/duel/engine"
	"schlangen.tv/duel/payment"
)

func main() {
	opts, err := loadOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(opts)
	if err := opts.Match.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid match configuration")
	}

	payments, err := newPayments(opts, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("No payment provider")
	}

	srv := engine.NewServer(opts.Match, payments, logger)
	if opts.StaticDir != "" {
		abs, err := filepath.Abs(opts.StaticDir)
		if err != nil {
			logger.Fatal().Err(err).Str("dir", opts.StaticDir).Msg("Bad static directory")
		}
		srv.StaticDir = abs
		logger.Info().Str("dir", abs).Msg("Serving static files")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, opts.Port); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped")
	}
	logger.Info().Msg("Server stopped")
}

func newLogger(opts options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

var errNoPaymentToken = errors.New("payment required but CRYPTO_PAY_API_TOKEN is not set; pass -debug-payments to approve stakes without charging")

// newPayments picks the Crypto Pay client when a token is configured and the
// debug provider when asked for, or when stakes are not collected at all.
func newPayments(opts options, logger zerolog.Logger) (engine.Payments, error) {
	if opts.Debug {
		if opts.Match.RequirePayment {
			logger.Warn().Msg("Debug payments approve every invoice")
		}
		return payment.NewDebug(logger), nil
	}
	if opts.CryptoPayToken == "" {
		if opts.Match.RequirePayment {
			return nil, errNoPaymentToken
		}
		return payment.NewDebug(logger), nil
	}
	return payment.NewCryptoPay(opts.CryptoPayToken, opts.CryptoPayURL, logger), nil
}
