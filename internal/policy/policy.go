// Package policy turns a validated configuration into the immutable runtime
// policy: the zone registry, compiled services and the ordered rule table.
//
// A *Policy is built once at load time and shared by pointer between every
// connection; nothing in it is mutated afterwards.
package policy

import (
	"errors"
	"fmt"

	"grimm.is/bastion/internal/brand"
	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/keybridge"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/pipeline"
	"grimm.is/bastion/internal/router"
	"grimm.is/bastion/internal/zone"
)

// ConfigError is a load-time policy error. The process must not start
// serving when one is returned.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "invalid policy: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Options supplies the runtime pieces Build wires into services.
type Options struct {
	Callbacks *pipeline.Callbacks
	Resolver  router.Resolver
	Observer  keybridge.Observer
	Clock     clock.Clock
	Logger    *logging.Logger
	// Bridges, when set, replaces loading keybridges from their files.
	Bridges map[string]*keybridge.Bridge
}

// Policy is the compiled, read-only policy.
type Policy struct {
	Config    *config.Config
	Zones     *zone.Registry
	Services  map[string]*Service
	Rules     []*Rule
	Bridges   map[string]*keybridge.Bridge
	Durations config.Durations
}

// Load reads a policy file and builds it.
func Load(path string, opts Options) (*Policy, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return Build(cfg, opts)
}

// Build validates cfg and compiles it. Every error is a *ConfigError.
func Build(cfg *config.Config, opts Options) (*Policy, error) {
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, &ConfigError{Err: errs}
	}
	log := opts.Logger
	if log == nil {
		log = logging.WithComponent("policy")
	}

	durations, err := cfg.Durations()
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	zones, err := zone.New(cfg.ZoneSpecs())
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	p := &Policy{
		Config:    cfg,
		Zones:     zones,
		Services:  make(map[string]*Service, len(cfg.Services)),
		Bridges:   opts.Bridges,
		Durations: durations,
	}

	if p.Bridges == nil {
		p.Bridges = make(map[string]*keybridge.Bridge, len(cfg.KeyBridges))
		for _, kb := range cfg.KeyBridges {
			b, err := keybridge.Load(kb, keybridge.Options{
				Clock:    opts.Clock,
				Logger:   log.WithComponent("keybridge"),
				Observer: opts.Observer,
			})
			if err != nil {
				return nil, &ConfigError{Err: err}
			}
			p.Bridges[kb.Name] = b
		}
	}

	compileOpts := pipeline.CompileOptions{
		Callbacks:        opts.Callbacks,
		Bridges:          p.Bridges,
		StackTimeout:     durations.Stack,
		StackGrace:       durations.StackGrace,
		HandshakeTimeout: durations.Handshake,
	}
	routerOpts := router.Options{
		InbandTimeout: durations.Inband,
		Resolver:      opts.Resolver,
		Greeting:      brand.Name + " FTP proxy ready; log in as user@host",
	}
	for i := range cfg.Services {
		svc, err := NewService(&cfg.Services[i], compileOpts, routerOpts)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		p.Services[svc.Name] = svc
	}

	var errs []error
	for i := range cfg.Rules {
		r, err := compileRule(&cfg.Rules[i], i, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.Rules = append(p.Rules, r)
	}
	if len(errs) > 0 {
		return nil, &ConfigError{Err: errors.Join(errs...)}
	}

	log.Debug("policy compiled",
		"zones", zones.Len(), "services", len(p.Services), "rules", len(p.Rules))
	return p, nil
}

// Service returns the named service.
func (p *Policy) Service(name string) (*Service, error) {
	s, ok := p.Services[name]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	return s, nil
}
