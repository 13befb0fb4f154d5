package main

import (
	"log/slog"

	"github.com/edgelesssys/go-sgx-epid/common"
	"github.com/edgelesssys/go-sgx-epid/config"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path of the TOML configuration file; defaults apply if unset",
	EnvVars: []string{"EPIDD_CONFIG"},
}

var logJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var logDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var logUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var logServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var socketFlag = &cli.StringFlag{
	Name:  "socket",
	Usage: "path of the AESM socket, overrides service.socket",
}

var commonFlags = []cli.Flag{
	configFlag,
	logJSONFlag,
	logDebugFlag,
	logUIDFlag,
	logServiceFlag,
}

// loadConfig reads the configuration file and applies the command line overrides.
func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := cCtx.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if cCtx.IsSet(logJSONFlag.Name) {
		cfg.Log.JSON = cCtx.Bool(logJSONFlag.Name)
	}
	if cCtx.IsSet(logDebugFlag.Name) {
		cfg.Log.Debug = cCtx.Bool(logDebugFlag.Name)
	}
	if cCtx.IsSet(logServiceFlag.Name) {
		cfg.Log.Service = cCtx.String(logServiceFlag.Name)
	}
	if cCtx.IsSet(socketFlag.Name) {
		cfg.Service.Socket = cCtx.String(socketFlag.Name)
	}
	return cfg, cfg.Validate()
}

// setupLogger returns the logger configured by cfg and the flags. The returned function
// closes the log file.
func setupLogger(cCtx *cli.Context, cfg *config.Config) (*slog.Logger, func()) {
	logger, closer := common.SetupLogger(cfg.LoggingOpts())
	if cCtx.Bool(logUIDFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger, func() { _ = closer.Close() }
}
