package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"schlangen.tv/duel/engine"
	"schlangen.tv/duel/payment"
)

// options is the process configuration: .env first, then SNAKE_* variables,
// then command-line flags.
type options struct {
	Port      int
	StaticDir string
	LogLevel  string
	Pretty    bool
	Debug     bool

	CryptoPayToken string
	CryptoPayURL   string

	Match engine.Config
}

func loadOptions(args []string) (options, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return options{}, fmt.Errorf("load .env: %w", err)
	}

	def := engine.DefaultConfig()
	env := envReader{errs: new(multierror.Error)}

	opts := options{
		Port:           env.getInt("SNAKE_PORT", 8080),
		StaticDir:      env.getString("SNAKE_STATIC", ""),
		LogLevel:       env.getString("SNAKE_LOG_LEVEL", "info"),
		Pretty:         env.getBool("SNAKE_LOG_PRETTY", false),
		Debug:          env.getBool("SNAKE_DEBUG_PAYMENTS", false),
		CryptoPayToken: env.getString("CRYPTO_PAY_API_TOKEN", ""),
		CryptoPayURL:   env.getString("CRYPTO_PAY_API_URL", payment.DefaultBaseURL),
		Match: engine.Config{
			FieldWidth:     env.getInt("SNAKE_FIELD_WIDTH", def.FieldWidth),
			FieldHeight:    env.getInt("SNAKE_FIELD_HEIGHT", def.FieldHeight),
			InitialLength:  env.getInt("SNAKE_INITIAL_LENGTH", def.InitialLength),
			TickInterval:   env.getDuration("SNAKE_TICK_INTERVAL", def.TickInterval),
			StaleWindow:    env.getDuration("SNAKE_STALE_WINDOW", def.StaleWindow),
			StartDelay:     env.getDuration("SNAKE_START_DELAY", def.StartDelay),
			ResultGrace:    env.getDuration("SNAKE_RESULT_GRACE", def.ResultGrace),
			Stake:          env.getAmount("SNAKE_STAKE", def.Stake),
			WinnerShare:    env.getFloat("SNAKE_WINNER_SHARE", def.WinnerShare),
			HouseShare:     env.getFloat("SNAKE_HOUSE_SHARE", def.HouseShare),
			HouseAccount:   env.getInt64("SNAKE_HOUSE_ACCOUNT", def.HouseAccount),
			RequirePayment: env.getBool("SNAKE_REQUIRE_PAYMENT", def.RequirePayment),
		},
	}
	if err := env.errs.ErrorOrNil(); err != nil {
		return options{}, err
	}

	fset := flag.NewFlagSet("server", flag.ContinueOnError)
	fset.IntVar(&opts.Port, "port", opts.Port, "Server port")
	fset.StringVar(&opts.StaticDir, "static", opts.StaticDir, "Static files directory for the web client")
	fset.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level (debug, info, warn, error)")
	fset.BoolVar(&opts.Pretty, "pretty", opts.Pretty, "Human-readable console logs")
	fset.BoolVar(&opts.Debug, "debug-payments", opts.Debug, "Approve invoices and log transfers instead of calling Crypto Pay")
	fset.IntVar(&opts.Match.FieldWidth, "width", opts.Match.FieldWidth, "Field width in cells, border included")
	fset.IntVar(&opts.Match.FieldHeight, "height", opts.Match.FieldHeight, "Field height in cells, border included")
	fset.DurationVar(&opts.Match.TickInterval, "tick", opts.Match.TickInterval, "Tick interval")
	fset.DurationVar(&opts.Match.StartDelay, "start-delay", opts.Match.StartDelay, "Countdown after both players are ready")
	fset.BoolVar(&opts.Match.RequirePayment, "require-payment", opts.Match.RequirePayment, "Require a paid stake before matchmaking")
	if err := fset.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// ---------------------------------------------------------------------------
// Environment helpers
// ---------------------------------------------------------------------------

type envReader struct {
	errs *multierror.Error
}

func (e envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func (e envReader) fail(key string, err error) {
	e.errs.Errors = append(e.errs.Errors, fmt.Errorf("%s: %w", key, err))
}

func (e envReader) getString(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e envReader) getInt(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e envReader) getInt64(key string, def int64) int64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e envReader) getFloat(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return f
}

func (e envReader) getBool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e envReader) getDuration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

// getAmount reads a decimal stake such as "1.00".
func (e envReader) getAmount(key string, def engine.Amount) engine.Amount {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	a, err := payment.ParseAmount(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return a
}
