package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgelesssys/go-sgx-epid/backend"
	"github.com/edgelesssys/go-sgx-epid/config"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/urfave/cli/v2"
)

var inFlag = &cli.StringFlag{
	Name:     "in",
	Usage:    "path of the quote",
	Required: true,
}

var reportNonceFlag = &cli.StringFlag{
	Name:  "nonce",
	Usage: "nonce to echo in the verification report",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Value: "127.0.0.1:8081",
	Usage: "address to serve the simulated backend on",
}

var toolCommands = []*cli.Command{
	{
		Name:   "inspect",
		Usage:  "print the fields of a quote",
		Flags:  []cli.Flag{inFlag},
		Action: runInspect,
	},
	{
		Name:   "verify",
		Usage:  "have the backend verify a quote and print its report",
		Flags:  []cli.Flag{inFlag, reportNonceFlag},
		Action: runVerify,
	},
	{
		Name:   "backend",
		Usage:  "serve a simulated provisioning and attestation backend over HTTP",
		Flags:  []cli.Flag{listenFlag},
		Action: runBackend,
	},
}

// quoteView is the printable form of a quote.
type quoteView struct {
	Version     uint16 `json:"version"`
	SignType    uint16 `json:"signType"`
	EPIDGroupID string `json:"epidGroupId"`
	QESVN       uint16 `json:"qeSvn"`
	PCESVN      uint16 `json:"pceSvn"`
	XEID        uint32 `json:"xeid"`
	Basename    string `json:"basename"`
	MRENCLAVE   string `json:"mrEnclave"`
	MRSIGNER    string `json:"mrSigner"`
	ISVProdID   uint16 `json:"isvProdId"`
	ISVSVN      uint16 `json:"isvSvn"`
	ReportData  string `json:"reportData"`
	Signature   struct {
		KeyHash     string `json:"keyHash"`
		IV          string `json:"iv"`
		PayloadSize uint32 `json:"payloadSize"`
		NrProofs    uint64 `json:"nrProofs"`
	} `json:"signature"`
}

func newQuoteView(raw []byte) (*quoteView, error) {
	quote, err := types.ParseQuote(raw)
	if err != nil {
		return nil, err
	}
	signature, err := types.ParseQuoteSignature(quote.Signature)
	if err != nil {
		return nil, err
	}
	gid := types.QuoteGroupID(&quote)
	view := &quoteView{
		Version:     quote.Version,
		SignType:    quote.SignType,
		EPIDGroupID: hex.EncodeToString(gid[:]),
		QESVN:       quote.QESVN,
		PCESVN:      quote.PCESVN,
		XEID:        quote.XEID,
		Basename:    hex.EncodeToString(quote.Basename[:]),
		MRENCLAVE:   hex.EncodeToString(quote.ReportBody.MRENCLAVE[:]),
		MRSIGNER:    hex.EncodeToString(quote.ReportBody.MRSIGNER[:]),
		ISVProdID:   quote.ReportBody.ISVProdID,
		ISVSVN:      quote.ReportBody.ISVSVN,
		ReportData:  hex.EncodeToString(quote.ReportBody.ReportData[:]),
	}
	view.Signature.KeyHash = hex.EncodeToString(signature.KeyHash[:])
	view.Signature.IV = hex.EncodeToString(signature.IV[:])
	view.Signature.PayloadSize = signature.PayloadSize
	if signature.PayloadSize >= types.QuotePayloadFixedSize {
		view.Signature.NrProofs = uint64(signature.PayloadSize-types.QuotePayloadFixedSize) / types.NrProofSize
	}
	return view, nil
}

func runInspect(cCtx *cli.Context) error {
	raw, err := os.ReadFile(cCtx.String(inFlag.Name))
	if err != nil {
		return err
	}
	view, err := newQuoteView(raw)
	if err != nil {
		return fmt.Errorf("parsing quote: %w", err)
	}
	return printJSON(view)
}

func runVerify(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	if cfg.Backend.URL == config.SimulatedBackend {
		return errors.New("the in-process backend cannot verify quotes of another process; point backend.url at \"epidd backend\"")
	}
	logger, closeLog := setupLogger(cCtx, cfg)
	defer closeLog()

	raw, err := os.ReadFile(cCtx.String(inFlag.Name))
	if err != nil {
		return err
	}
	client, err := backend.New(cfg.Backend.URL, cfg.Backend.Timeout, logger.With("component", "backend"))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cCtx.Context, cfg.Backend.Timeout)
	defer cancel()
	report, err := client.VerifyQuote(ctx, raw, cCtx.String(reportNonceFlag.Name))
	if err != nil {
		return fmt.Errorf("verifying quote: %w", err)
	}
	return printJSON(report)
}

func runBackend(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	logger, closeLog := setupLogger(cCtx, cfg)
	defer closeLog()

	platform, seed, err := newPlatform(cfg)
	if err != nil {
		return err
	}
	sim, trust, err := newSimulatedBackend(seed, newPCE(cfg, platform), logger.With("component", "backendsim"))
	if err != nil {
		return err
	}
	rootKey := trust.RootPublicKey()
	xegb := trust.XEGB.Marshal()
	logger.Info("Simulated backend trust anchors",
		"root_key", hex.EncodeToString(rootKey[:]),
		"default_xegb", hex.EncodeToString(xegb[:]),
	)

	srv := &http.Server{
		Addr:              cCtx.String(listenFlag.Name),
		Handler:           httplogger.LoggingMiddlewareSlog(logger.With("component", "http"), sim.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful backend shutdown failed", "err", err)
		}
	}()

	logger.Info("Serving simulated backend", "listenAddress", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
