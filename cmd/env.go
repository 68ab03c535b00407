package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/medic-kiel/aql2fhir/internal/deliver"
	"github.com/medic-kiel/aql2fhir/internal/extract"
	"github.com/medic-kiel/aql2fhir/internal/fhir"
	"github.com/medic-kiel/aql2fhir/internal/openehr"
	"github.com/medic-kiel/aql2fhir/internal/poller"
	"github.com/medic-kiel/aql2fhir/internal/pseudonym"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
	"github.com/medic-kiel/aql2fhir/internal/state"
)

// env bundles the wired pipeline for the run and backfill commands.
type env struct {
	Store     state.Store
	Scheduler *poller.Scheduler
}

func (e *env) Close() {
	_ = e.Store.Close()
}

// initPipeline builds every pipeline component from configuration and
// migrates the checkpoint store.
func initPipeline(ctx context.Context) (*env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	fields, gpas, err := buildPseudonymFields()
	if err != nil {
		store.Close()
		return nil, err
	}

	jobs, err := poller.BuildJobs(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	source := openehr.NewClient(cfg.OpenEHR)
	dest := fhir.NewClient(cfg.FHIR)

	retryDelay := time.Duration(cfg.Sync.RetryDelaySecs) * time.Second
	queryRetry := resilience.RetryConfig{MaxAttempts: cfg.Sync.QueryRetries, Delay: retryDelay}
	deliveryRetry := resilience.RetryConfig{MaxAttempts: cfg.Sync.DeliveryRetries, Delay: retryDelay}

	exec := extract.NewExecutor(source, queryRetry, cfg.Sync.MaxPages)
	pool := deliver.NewPool(dest, cfg.Sync.DeliveryWorkers, deliveryRetry)

	// Every collaborator a cycle depends on joins the reachability gate,
	// including gPAS when any field rule tokenizes remotely.
	probe := func(ctx context.Context) error {
		if err := source.Ping(ctx); err != nil {
			return err
		}
		if gpas != nil {
			if err := gpas.Ping(ctx); err != nil {
				return err
			}
		}
		return dest.Ping(ctx)
	}

	sched, err := poller.New(cfg, store, exec, pool, fields, probe, jobs)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &env{Store: store, Scheduler: sched}, nil
}

// buildPseudonymFields instantiates only the engines the field rules
// actually reference. The gPAS client is returned separately so the
// reachability gate can probe it.
func buildPseudonymFields() (*pseudonym.Fields, *pseudonym.GPASClient, error) {
	var local pseudonym.Engine
	var remote *pseudonym.GPASClient

	if cfg.Pseudonym.Enabled {
		if usesStrategy("deterministic") {
			key, err := pseudonym.LoadOrCreateKey(cfg.Pseudonym.KeyPath, cfg.Pseudonym.Generate)
			if err != nil {
				return nil, nil, err
			}
			local, err = pseudonym.NewDeterministic(key)
			if err != nil {
				return nil, nil, err
			}
		}
		if usesStrategy("gpas") {
			var err error
			remote, err = pseudonym.NewGPAS(cfg.Pseudonym.GPAS)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	var remoteEngine pseudonym.Engine
	if remote != nil {
		remoteEngine = remote
	}
	fields, err := pseudonym.NewFields(cfg.Pseudonym, local, remoteEngine)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pseudonym field rules")
	}
	return fields, remote, nil
}

func usesStrategy(name string) bool {
	for _, fc := range cfg.Pseudonym.Fields {
		if !fc.Enabled {
			continue
		}
		strategy := fc.Strategy
		if strategy == "" {
			strategy = cfg.Pseudonym.Strategy
		}
		if strategy == name {
			return true
		}
	}
	return false
}
