// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package manifest implements spec §6's service-manifest reconfiguration
// policy: a static JSON document enumerating every service's
// reinitialization strategy, and a Reconfigurator that, given a set of
// changed configuration keys, works out which services are affected and
// reinitializes each subject to its own timeout.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var mon = monkit.Package()

// Error is the manifest package's error class.
var Error = errs.Class("manifest")

// Strategy names the reinitialization strategy a service declares in the
// manifest (spec §6).
type Strategy string

const (
	StrategyDestroyInitialize    Strategy = "destroy_initialize"
	StrategyLightweightReconnect Strategy = "lightweight_reconnect"
	StrategyReconfigure          Strategy = "reconfigure"
	StrategyReconnect            Strategy = "reconnect"
	StrategyRestart              Strategy = "restart"
)

// ReinitializationStrategy is the nested strategy object from spec §6.
type ReinitializationStrategy struct {
	Type     Strategy      `json:"type"`
	Graceful bool          `json:"graceful"`
	Timeout  time.Duration `json:"timeout"`
}

// ServiceSpec is one entry of the service manifest.
type ServiceSpec struct {
	Icon                     string                   `json:"icon"`
	ConfigKeys               []string                 `json:"configKeys"`
	ReinitializationStrategy ReinitializationStrategy `json:"reinitializationStrategy"`
	Critical                 bool                     `json:"critical"`
	Parallel                 bool                     `json:"parallel"`
}

// Manifest is the parsed static JSON document: serviceName -> ServiceSpec.
type Manifest struct {
	services map[string]ServiceSpec
}

// Load reads and parses a manifest JSON file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return Parse(data)
}

// Parse builds a Manifest from raw JSON bytes.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]ServiceSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Manifest{services: raw}, nil
}

// Service looks up a single service's spec by name.
func (m *Manifest) Service(name string) (ServiceSpec, bool) {
	spec, ok := m.services[name]
	return spec, ok
}

// AffectedServices returns the names of every service whose configKeys
// intersect the given set of changed keys, sorted for deterministic
// reconfiguration ordering.
func (m *Manifest) AffectedServices(changedKeys []string) []string {
	changed := make(map[string]struct{}, len(changedKeys))
	for _, k := range changedKeys {
		changed[k] = struct{}{}
	}

	var affected []string
	for name, spec := range m.services {
		for _, key := range spec.ConfigKeys {
			if _, ok := changed[key]; ok {
				affected = append(affected, name)
				break
			}
		}
	}
	sort.Strings(affected)
	return affected
}

// Reinitializer performs the actual reinitialization work for one service,
// supplied by the process wiring the Reconfigurator up to its real
// subsystems (the load balancer client, the cache provider, ...).
type Reinitializer func(ctx context.Context, serviceName string, strategy ReinitializationStrategy) error

// Result captures the outcome of reinitializing a single affected service.
type Result struct {
	ServiceName string
	Err         error
}

// Reconfigurator applies manifest-declared reinitialization strategies
// against a set of changed config keys (spec §6).
type Reconfigurator struct {
	manifest *Manifest
	log      *zap.Logger

	mu          sync.Mutex
	reinitFuncs map[string]Reinitializer
}

// NewReconfigurator returns a Reconfigurator bound to a parsed Manifest.
func NewReconfigurator(m *Manifest, log *zap.Logger) *Reconfigurator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconfigurator{manifest: m, log: log, reinitFuncs: make(map[string]Reinitializer)}
}

// RegisterReinitializer binds the Reinitializer a named service should run
// when it is affected by a config change.
func (r *Reconfigurator) RegisterReinitializer(serviceName string, fn Reinitializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reinitFuncs[serviceName] = fn
}

// Apply computes the affected service set from changedKeys and
// reinitializes each one subject to its own timeout (spec §6). Critical
// services, and any service not flagged parallel, run serially in
// service-name order; services flagged parallel and non-critical run concurrently with
// one another. Every service's Reinitializer is still awaited independently
// -- a failure on one does not cancel the others.
func (r *Reconfigurator) Apply(ctx context.Context, changedKeys []string) (results []Result, err error) {
	defer mon.Task()(&ctx)(&err)

	affected := r.manifest.AffectedServices(changedKeys)
	if len(affected) == 0 {
		return nil, nil
	}

	var serial, parallelNames []string
	for _, name := range affected {
		spec, ok := r.manifest.Service(name)
		if !ok {
			continue
		}
		if spec.Critical || !spec.Parallel {
			serial = append(serial, name)
		} else {
			parallelNames = append(parallelNames, name)
		}
	}

	for _, name := range serial {
		results = append(results, r.reinitOne(ctx, name))
	}

	if len(parallelNames) > 0 {
		resultCh := make(chan Result, len(parallelNames))
		for _, name := range parallelNames {
			name := name
			go func() { resultCh <- r.reinitOne(ctx, name) }()
		}
		for range parallelNames {
			results = append(results, <-resultCh)
		}
	}

	return results, nil
}

func (r *Reconfigurator) reinitOne(ctx context.Context, name string) Result {
	spec, ok := r.manifest.Service(name)
	if !ok {
		return Result{ServiceName: name, Err: Error.New("service %q not present in manifest", name)}
	}

	r.mu.Lock()
	fn := r.reinitFuncs[name]
	r.mu.Unlock()
	if fn == nil {
		r.log.Warn("no reinitializer registered for affected service", zap.String("service", name))
		return Result{ServiceName: name, Err: Error.New("no reinitializer registered for %q", name)}
	}

	timeout := spec.ReinitializationStrategy.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reinitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(reinitCtx, name, spec.ReinitializationStrategy)
	if err != nil {
		r.log.Error("service reinitialization failed",
			zap.String("service", name),
			zap.String("strategy", string(spec.ReinitializationStrategy.Type)),
			zap.Error(err))
	} else {
		r.log.Info("service reinitialized",
			zap.String("service", name),
			zap.String("strategy", string(spec.ReinitializationStrategy.Type)))
	}
	return Result{ServiceName: name, Err: err}
}

// Errors collects non-nil Result errors into a single combined error,
// or nil if every Result succeeded.
func Errors(results []Result) error {
	var msgs []string
	for _, res := range results {
		if res.Err != nil {
			msgs = append(msgs, fmt.Sprintf("%s: %v", res.ServiceName, res.Err))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return Error.New("%d service(s) failed to reinitialize: %v", len(msgs), msgs)
}
