package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"unicode"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/flashbots/flashblocks-builder/builder"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	listenAddrFlag = &cli.StringFlag{
		Name:  "listen-addr",
		Usage: "Listening address of the RPC, websocket and health endpoints",
		Value: builder.DefaultConfig.ListenAddr,
	}
	blockTimeFlag = &cli.Uint64Flag{
		Name:  "block-time",
		Usage: "Chain block time in milliseconds",
		Value: builder.DefaultConfig.BlockTimeMs,
	}
	flashblockTimeFlag = &cli.Uint64Flag{
		Name:  "flashblock-time",
		Usage: "Flashblock interval in milliseconds",
		Value: builder.DefaultConfig.FlashblockTimeMs,
	}
	meteringFlag = &cli.BoolFlag{
		Name:  "metering",
		Usage: "Start with resource metering enabled",
	}
	enforceMeteringFlag = &cli.BoolFlag{
		Name:  "enforce-metering",
		Usage: "Reject transactions whose metered execution time exceeds the flashblock budget",
	}
	postgresDSNFlag = &cli.StringFlag{
		Name:    "postgres-dsn",
		Usage:   "Postgres DSN of the bundle and audit store",
		EnvVars: []string{"FLASHBOTS_POSTGRES_DSN"},
	}
	disableBundleFetcherFlag = &cli.BoolFlag{
		Name:  "disable-bundle-fetcher",
		Usage: "Do not load bundles from the database",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	// go-ethereum's metrics package enables collection when it sees this
	// flag in os.Args, before any meter is registered.
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection, served on /debug/metrics",
	}
	dumpConfigFlag = &cli.BoolFlag{
		Name:  "dumpconfig",
		Usage: "Print the effective configuration and exit",
	}
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		id := fmt.Sprintf("%s.%s", rt.String(), field)
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, id, link)
	},
}

type fileConfig struct {
	Builder builder.Config
}

func loadConfig(file string, cfg *fileConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	var lineErr *toml.LineError
	if errors.As(err, &lineErr) {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func makeConfig(ctx *cli.Context) (*builder.Config, error) {
	cfg := fileConfig{Builder: builder.DefaultConfig}
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return nil, err
		}
	}
	if ctx.IsSet(listenAddrFlag.Name) {
		cfg.Builder.ListenAddr = ctx.String(listenAddrFlag.Name)
	}
	if ctx.IsSet(blockTimeFlag.Name) {
		cfg.Builder.BlockTimeMs = ctx.Uint64(blockTimeFlag.Name)
	}
	if ctx.IsSet(flashblockTimeFlag.Name) {
		cfg.Builder.FlashblockTimeMs = ctx.Uint64(flashblockTimeFlag.Name)
	}
	if ctx.IsSet(meteringFlag.Name) {
		cfg.Builder.MeteringEnabled = ctx.Bool(meteringFlag.Name)
	}
	if ctx.IsSet(enforceMeteringFlag.Name) {
		cfg.Builder.EnforceMetering = ctx.Bool(enforceMeteringFlag.Name)
	}
	if ctx.IsSet(postgresDSNFlag.Name) {
		cfg.Builder.PostgresDSN = ctx.String(postgresDSNFlag.Name)
	}
	if ctx.IsSet(disableBundleFetcherFlag.Name) {
		cfg.Builder.DisableBundleFetcher = ctx.Bool(disableBundleFetcherFlag.Name)
	}
	if cfg.Builder.FlashblockTimeMs == 0 || cfg.Builder.FlashblockTimeMs > cfg.Builder.BlockTimeMs {
		return nil, fmt.Errorf("invalid flashblock interval %dms for block time %dms", cfg.Builder.FlashblockTimeMs, cfg.Builder.BlockTimeMs)
	}
	return &cfg.Builder, nil
}

func run(ctx *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), true)))

	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.Bool(metricsFlag.Name) && !metrics.Enabled {
		log.Warn("Metrics flag was not picked up at startup, only forced metrics are collected")
	}
	if ctx.Bool(dumpConfigFlag.Name) {
		out, err := tomlSettings.Marshal(&fileConfig{Builder: *cfg})
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	svc, err := builder.NewService(cfg, nil)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig)
	return svc.Stop()
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "flashblocks-builder",
		Usage: "Serves the flashblocks builder control surface and flashblock stream",
		Flags: []cli.Flag{
			configFileFlag,
			listenAddrFlag,
			blockTimeFlag,
			flashblockTimeFlag,
			meteringFlag,
			enforceMeteringFlag,
			postgresDSNFlag,
			disableBundleFetcherFlag,
			verbosityFlag,
			metricsFlag,
			dumpConfigFlag,
		},
		Action: run,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
