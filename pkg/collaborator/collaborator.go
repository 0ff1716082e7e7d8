// Package collaborator defines the external service plugin contract the
// executor invokes for each catalogue service, plus a registry of the six
// deployment-fixed runners (spec.md §6 "service collaborator interface").
// Every real SEO service integration (accessibility auditing, duplicate
// content detection, backlink crawling, ...) is out of scope; the stub
// runners here model the interface shape and deterministic latency/error
// behavior a real implementation would plug into.
package collaborator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wisbric/seoscan/pkg/planregistry"
)

// Config is the per-service configuration passed through from the scan
// request (service-specific knobs; opaque to the executor).
type Config map[string]any

// Runner is the contract the orchestrator/executor requires of each
// service plugin: run against a normalized URL and either return a JSON
// result payload or return a ClassifiedError.
type Runner interface {
	Name() planregistry.ServiceName
	Run(ctx context.Context, normalizedURL string, cfg Config) (json.RawMessage, error)
}

// ClassifiedError carries the taxonomy tag the executor needs to decide
// retryability (spec.md §6, §4.G). Runners that return a plain error are
// treated by the executor as UNKNOWN+retryable=true.
type ClassifiedError struct {
	Code    string
	Message string
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Registry holds all registered service collaborators, keyed by name.
type Registry struct {
	runners map[planregistry.ServiceName]Runner
}

// NewRegistry creates an empty collaborator registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[planregistry.ServiceName]Runner)}
}

// Register adds a runner to the registry, keyed by its own name.
func (r *Registry) Register(run Runner) {
	r.runners[run.Name()] = run
}

// Get returns the runner registered for name.
func (r *Registry) Get(name planregistry.ServiceName) (Runner, error) {
	run, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("collaborator: no runner registered for service %q", name)
	}
	return run, nil
}

// NewDefaultRegistry returns a Registry with a stub Runner registered for
// every catalogue service, suitable for wiring the orchestrator before a
// real integration exists for a given service.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, name := range planregistry.Catalogue {
		r.Register(NewStubRunner(name))
	}
	return r
}
