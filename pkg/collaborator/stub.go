package collaborator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/wisbric/seoscan/pkg/planregistry"
)

// StubRunner is a deterministic placeholder collaborator: given the same
// URL it always produces the same result shape for its service, so tests
// and demo deployments behave reproducibly without a real upstream
// integration. Outcome (success vs a classified failure) is derived from
// a hash of the URL so a fixed fraction of stub runs exercise the
// executor's failure path without any hidden randomness.
type StubRunner struct {
	name planregistry.ServiceName
}

// NewStubRunner returns a StubRunner for the given catalogue service.
func NewStubRunner(name planregistry.ServiceName) *StubRunner {
	return &StubRunner{name: name}
}

func (s *StubRunner) Name() planregistry.ServiceName { return s.name }

func (s *StubRunner) Run(ctx context.Context, normalizedURL string, _ Config) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, &ClassifiedError{Code: "TIMEOUT", Message: ctx.Err().Error()}
	default:
	}

	sum := sha256.Sum256([]byte(string(s.name) + "|" + normalizedURL))
	// One in sixteen stub runs simulates an upstream failure, spread
	// across the taxonomy's retryable codes, so orchestrator/executor
	// tests exercise both terminal and retryable service outcomes.
	if sum[0]%16 == 0 {
		if sum[1]%2 == 0 {
			return nil, &ClassifiedError{Code: "NETWORK", Message: "stub upstream connection refused"}
		}
		return nil, &ClassifiedError{Code: "UPSTREAM_5XX", Message: "stub upstream returned 503"}
	}

	result, err := s.buildResult(normalizedURL)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (s *StubRunner) buildResult(url string) (map[string]any, error) {
	switch s.name {
	case planregistry.ServiceAccessibility:
		return map[string]any{"url": url, "score": 92, "violations": []string{}}, nil
	case planregistry.ServiceDuplicateContent:
		return map[string]any{"url": url, "duplicatePages": 0, "similarityThreshold": 0.85}, nil
	case planregistry.ServiceBacklinks:
		return map[string]any{"url": url, "totalBacklinks": 134, "referringDomains": 41}, nil
	case planregistry.ServiceSchema:
		return map[string]any{"url": url, "schemasFound": []string{"Organization", "WebPage"}, "errors": []string{}}, nil
	case planregistry.ServiceMultiLanguage:
		return map[string]any{"url": url, "detectedLanguages": []string{"en"}, "hreflangErrors": []string{}}, nil
	case planregistry.ServiceRankTracker:
		return map[string]any{"url": url, "trackedKeywords": 0, "averagePosition": nil}, nil
	default:
		return nil, fmt.Errorf("collaborator: unrecognized service %q", s.name)
	}
}
