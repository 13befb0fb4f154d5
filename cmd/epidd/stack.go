package main

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/edgelesssys/go-sgx-epid/aesm"
	"github.com/edgelesssys/go-sgx-epid/backend"
	"github.com/edgelesssys/go-sgx-epid/backend/backendsim"
	"github.com/edgelesssys/go-sgx-epid/blobstore"
	"github.com/edgelesssys/go-sgx-epid/config"
	"github.com/edgelesssys/go-sgx-epid/epid/epidsim"
	"github.com/edgelesssys/go-sgx-epid/pce"
	"github.com/edgelesssys/go-sgx-epid/platform/simulator"
	"github.com/edgelesssys/go-sgx-epid/provision"
	"github.com/edgelesssys/go-sgx-epid/pve"
	"github.com/edgelesssys/go-sgx-epid/qe"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Enclave identities on the simulated platform. The PvE and the QE share a product id, so
// the QE can unseal the blobs the PvE seals.
const (
	enclaveSigner = "intel"
	pceProdID     = 3
	epidProdID    = 1
)

// simulatedGroup is the EPID group issued by the in-process backend.
var simulatedGroup = [4]byte{0, 0, 0, 0x01}

// stack holds the wired components of the service.
type stack struct {
	qe      *qe.QE
	store   blobstore.Store
	driver  *provision.Driver
	service *aesm.Service
	close   func()
}

// newStack builds the enclaves, the backend and the blob store described by cfg.
func newStack(cfg *config.Config, log *slog.Logger) (*stack, error) {
	platform, seed, err := newPlatform(cfg)
	if err != nil {
		return nil, err
	}
	log.Warn("Running on the simulated SGX platform")

	pcE := newPCE(cfg, platform)

	var provisioningBackend provision.Backend
	var rootKey *ecdsa.PublicKey
	var defaultXEGB types.XEGB
	closeBackend := func() {}
	if cfg.Backend.URL == config.SimulatedBackend {
		sim, trust, err := newSimulatedBackend(seed, pcE, log.With("component", "backendsim"))
		if err != nil {
			return nil, err
		}
		log.Warn("Using the in-process provisioning backend")
		provisioningBackend, rootKey, defaultXEGB = sim, &trust.RootKey.PublicKey, trust.XEGB
	} else {
		client, err := backend.New(cfg.Backend.URL, cfg.Backend.Timeout, log.With("component", "backend"))
		if err != nil {
			return nil, err
		}
		if rootKey, err = cfg.RootKey(); err != nil {
			return nil, err
		}
		if defaultXEGB, err = cfg.DefaultXEGB(); err != nil {
			return nil, err
		}
		provisioningBackend, closeBackend = client, client.Close
	}

	pvE := pve.New(
		platform.Load(simulator.NamedIdentity("pve", enclaveSigner, epidProdID, cfg.Platform.PvESVN, types.AttributeProvisionKey)),
		epidsim.Engine{},
		pve.Config{RootKey: rootKey, DefaultXEGB: defaultXEGB},
	)
	quotingEnclave := qe.New(platform.Load(simulator.NamedIdentity("qe", enclaveSigner, epidProdID, cfg.Platform.QESVN, 0)), epidsim.Engine{})

	store, err := blobstore.New(cfg.Store, log.With("component", "blobstore"))
	if err != nil {
		closeBackend()
		return nil, err
	}

	xegb, err := cfg.XEGB()
	if err != nil {
		closeBackend()
		return nil, err
	}
	fmsp, err := cfg.FMSP()
	if err != nil {
		closeBackend()
		return nil, err
	}
	driver := provision.New(pvE, pcE, provisioningBackend, store, provision.Config{
		XEGB:    xegb,
		FMSP:    fmsp,
		Retries: cfg.Backend.Retries,
		Backoff: cfg.Backend.Backoff,
	}, log.With("component", "provision"))

	return &stack{
		qe:      quotingEnclave,
		store:   store,
		driver:  driver,
		service: aesm.NewService(quotingEnclave, store, driver, cfg.Platform.PCESVN, log.With("component", "aesm")),
		close:   closeBackend,
	}, nil
}

// newSimulatedBackend creates a backend with fresh trust anchors that knows the platform of pcE.
func newSimulatedBackend(seed [32]byte, pcE *pce.PCE, log *slog.Logger) (*backendsim.Backend, *backendsim.Trust, error) {
	trust, err := backendsim.NewTrust(rand.Reader, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating simulated backend: %w", err)
	}
	sim := backendsim.New(trust, simulatedGroup, sha256.Sum256(seed[:]), rand.Reader, log)
	ppid, err := pcE.PPID()
	if err != nil {
		return nil, nil, fmt.Errorf("deriving PPID: %w", err)
	}
	sim.Register(ppid, pcE)
	return sim, trust, nil
}

// newPCE loads the certification enclave of platform.
func newPCE(cfg *config.Config, platform *simulator.Platform) *pce.PCE {
	return pce.New(platform.Load(simulator.NamedIdentity("pce", enclaveSigner, pceProdID, cfg.Platform.PCESVN, types.AttributeProvisionKey)))
}

// newPlatform creates the simulated platform of cfg and returns it with its seed.
func newPlatform(cfg *config.Config) (*simulator.Platform, [32]byte, error) {
	seed, err := cfg.PlatformSeed()
	if err != nil {
		return nil, seed, err
	}
	cpuSVN, err := cfg.CPUSVN()
	if err != nil {
		return nil, seed, err
	}
	platform, err := simulator.New(seed, cpuSVN)
	if err != nil {
		return nil, seed, fmt.Errorf("creating simulated platform: %w", err)
	}
	return platform, seed, nil
}

// appEnclave loads the application enclave the quote command reports from.
func appEnclave(platform *simulator.Platform) *simulator.Enclave {
	return platform.Load(simulator.NamedIdentity("app", "epidd", 1, 1, 0))
}
