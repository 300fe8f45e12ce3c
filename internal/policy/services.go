package policy

import (
	"fmt"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/pipeline"
	"grimm.is/bastion/internal/router"
	"grimm.is/bastion/internal/zone"
)

// Service is a proxy behaviour bound to its router and compiled hooks.
type Service struct {
	Name   string
	Kind   string
	Config *config.Service
	Router router.Router
	Hooks  *pipeline.Hooks

	relayAny   bool
	relayZones []string
}

// NewService compiles one service block with its router and hooks.
func NewService(cfg *config.Service, copts pipeline.CompileOptions, ropts router.Options) (*Service, error) {
	rt, err := router.New(cfg.Proxy, cfg.Router, ropts)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", cfg.Name, err)
	}
	hooks, err := pipeline.Compile(cfg, copts)
	if err != nil {
		return nil, err
	}

	s := &Service{
		Name:   cfg.Name,
		Kind:   cfg.Proxy,
		Config: cfg,
		Router: rt,
		Hooks:  hooks,
	}
	for _, z := range cfg.RelayZones {
		if z == "*" {
			s.relayAny = true
			continue
		}
		s.relayZones = append(s.relayZones, z)
	}
	return s, nil
}

// MayRelay reports whether a client in the given zone may send mail to
// foreign domains through an SMTP service. Clients in no zone may only
// when relay_zones contains "*".
func (s *Service) MayRelay(src *zone.Zone) bool {
	if s.relayAny {
		return true
	}
	for _, name := range s.relayZones {
		if src.IsA(name) {
			return true
		}
	}
	return false
}

// RelayDomains are the recipient domains accepted from any client.
func (s *Service) RelayDomains() []string {
	return s.Config.RelayDomains
}
