package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgelesssys/go-sgx-epid/aesm"
	"github.com/edgelesssys/go-sgx-epid/common"
	"github.com/edgelesssys/go-sgx-epid/device"
	"github.com/edgelesssys/go-sgx-epid/httpserver"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/urfave/cli/v2"
)

var rekeyFlag = &cli.BoolFlag{
	Name:  "rekey",
	Value: false,
	Usage: "request a new EPID key even if the platform is already provisioned",
}

var spidFlag = &cli.StringFlag{
	Name:  "spid",
	Value: "00000000000000000000000000000000",
	Usage: "hex encoded service provider id",
}

var linkableFlag = &cli.BoolFlag{
	Name:  "linkable",
	Value: false,
	Usage: "request a linkable quote",
}

var nonceFlag = &cli.StringFlag{
	Name:  "nonce",
	Usage: "hex encoded 16 byte nonce; also returns the QE report",
}

var sigRLFlag = &cli.StringFlag{
	Name:  "sigrl",
	Usage: "path of the signature revocation list of the group",
}

var outFlag = &cli.StringFlag{
	Name:  "out",
	Usage: "write the quote to this file instead of printing it as hex",
}

func main() {
	app := &cli.App{
		Name:    common.PackageName,
		Usage:   "EPID provisioning and quoting service",
		Version: common.Version,
		Flags:   commonFlags,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve quote requests on the AESM socket",
				Flags:  []cli.Flag{socketFlag},
				Action: runServe,
			},
			{
				Name:   "provision",
				Usage:  "provision the platform and store the EPID blob",
				Flags:  []cli.Flag{rekeyFlag},
				Action: runProvision,
			},
			{
				Name:   "quote",
				Usage:  "request a quote of a test enclave from a running service",
				Flags:  []cli.Flag{socketFlag, spidFlag, linkableFlag, nonceFlag, sigRLFlag, outFlag},
				Action: runQuote,
			},
			{
				Name:  "probe",
				Usage: "report the SGX devices of this machine",
				Action: func(cCtx *cli.Context) error {
					return printJSON(device.Probe())
				},
			},
			{
				Name:  "config",
				Usage: "print the effective configuration as YAML, without secrets",
				Action: func(cCtx *cli.Context) error {
					cfg, err := loadConfig(cCtx)
					if err != nil {
						return err
					}
					out, err := cfg.YAML()
					if err != nil {
						return err
					}
					_, err = os.Stdout.Write(out)
					return err
				},
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(cCtx *cli.Context) error {
					fmt.Println(common.Version)
					return nil
				},
			},
		},
	}
	app.Commands = append(app.Commands, toolCommands...)

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServe(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	logger, closeLog := setupLogger(cCtx, cfg)
	defer closeLog()

	st, err := newStack(cfg, logger)
	if err != nil {
		logger.Error("Failed to set up the service", "err", err)
		return err
	}
	defer st.close()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Service.AdminAddr != "" {
		admin := httpserver.New(&httpserver.HTTPServerConfig{
			ListenAddr:               cfg.Service.AdminAddr,
			EnablePprof:              cfg.Service.Pprof,
			Debug:                    cfg.Service.Debug,
			Log:                      logger.With("component", "httpserver"),
			DrainDuration:            cfg.Service.Drain,
			GracefulShutdownDuration: 30 * time.Second,
			ReadTimeout:              60 * time.Second,
			WriteTimeout:             cfg.Backend.Timeout + 30*time.Second,
		}, st.driver, device.Probe)
		admin.RunInBackground()
		defer admin.Shutdown()
	}

	ln, err := aesm.Listen(cfg.Service.Socket)
	if err != nil {
		logger.Error("Failed to listen on the AESM socket", "socket", cfg.Service.Socket, "err", err)
		return err
	}
	logger.Info("Serving AESM requests", "socket", cfg.Service.Socket)
	if err := aesm.NewServer(st.service, cfg.Service.Debug, logger.With("component", "aesm")).Serve(ctx, ln); err != nil {
		logger.Error("AESM server failed", "err", err)
		return err
	}
	logger.Info("Shutting down")
	return nil
}

func runProvision(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	logger, closeLog := setupLogger(cCtx, cfg)
	defer closeLog()

	st, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	blob, err := st.driver.Provision(ctx, cCtx.Bool(rekeyFlag.Name))
	if err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}
	result, err := st.qe.InitQuote(blob)
	if err != nil {
		return fmt.Errorf("verifying the new EPID blob: %w", err)
	}
	logger.Info("Platform provisioned", "gid", hex.EncodeToString(result.GID[:]))
	return nil
}

func runQuote(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	spid, err := decodeFixed(spidFlag.Name, cCtx.String(spidFlag.Name), types.SPIDSize)
	if err != nil {
		return err
	}
	var nonce []byte
	if raw := cCtx.String(nonceFlag.Name); raw != "" {
		if nonce, err = decodeFixed(nonceFlag.Name, raw, 16); err != nil {
			return err
		}
	}
	var sigRL []byte
	if path := cCtx.String(sigRLFlag.Name); path != "" {
		if sigRL, err = os.ReadFile(path); err != nil {
			return err
		}
	}
	quoteType := types.QuoteUnlinkable
	if cCtx.Bool(linkableFlag.Name) {
		quoteType = types.QuoteLinkable
	}

	platform, _, err := newPlatform(cfg)
	if err != nil {
		return err
	}
	app := appEnclave(platform)

	ctx, cancel := context.WithTimeout(cCtx.Context, time.Minute)
	defer cancel()
	client := aesm.NewClient(cfg.Service.Socket)
	info, err := client.InitQuote(ctx)
	if err != nil {
		return fmt.Errorf("initializing quote: %w", err)
	}
	target, err := types.ParseTargetInfo(info.TargetInfo)
	if err != nil {
		return err
	}
	report, err := app.CreateReport(&target, [64]byte{})
	if err != nil {
		return err
	}
	rawReport := report.Marshal()
	quote, _, err := client.GetQuote(ctx, rawReport[:], quoteType, [16]byte(spid), nonce, sigRL)
	if err != nil {
		return fmt.Errorf("getting quote: %w", err)
	}

	if path := cCtx.String(outFlag.Name); path != "" {
		return os.WriteFile(path, quote, 0o644)
	}
	fmt.Println(hex.EncodeToString(quote))
	return nil
}

func decodeFixed(name, value string, size int) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("%s: expected %d bytes, got %d", name, size, len(raw))
	}
	return raw, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
