package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/failure"
	"github.com/felixgeelhaar/pluginhost/internal/domain/lifecycle"
	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/domain/resolve"
)

// ErrStrict is returned by StrictErr when a pass has fatal failures.
var ErrStrict = errors.New("plugin resolution failed in strict mode")

// Pass is one discover, resolve, plan and optionally load cycle over an
// immutable manifest snapshot.
type Pass struct {
	ID        string
	StartedAt time.Time

	Discovery  *manifest.DiscoveryResult
	Duplicates []*manifest.DuplicateManifestIDError
	// Disabled lists discovered ids removed by configuration.
	Disabled []string
	Set      *manifest.Set
	Plan     *resolve.Plan
	// Result is nil for resolve-only passes.
	Result *lifecycle.Result
}

// Failures returns every problem found by the pass: discovery errors,
// duplicate ids, then per-plugin failures ordered by id. Soft dependency
// warnings, including wanted plugins that failed to start, are included.
func (p *Pass) Failures() []error {
	var errs []error
	for i := range p.Discovery.Errors {
		errs = append(errs, &p.Discovery.Errors[i])
	}
	for _, dup := range p.Duplicates {
		errs = append(errs, dup)
	}

	failed := make(map[string]error, len(p.Plan.Excluded))
	for id, err := range p.Plan.Excluded {
		failed[id] = err
	}
	if p.Result != nil {
		for id, err := range p.Result.Failed {
			if _, ok := failed[id]; !ok {
				failed[id] = err
			}
		}
	}

	for _, id := range p.Set.IDs() {
		if err, ok := failed[id]; ok {
			errs = append(errs, err)
			continue
		}
		if report, ok := p.Plan.Reports[id]; ok && report.Degraded() {
			errs = append(errs, report.Errors()...)
		}
		if p.Result != nil {
			if warning, ok := p.Result.Warnings[id]; ok {
				errs = append(errs, warning)
			}
		}
	}
	return errs
}

// Fatal returns the failures that kept something from loading.
func (p *Pass) Fatal() []error {
	var fatal []error
	for _, err := range p.Failures() {
		if code := failure.CodeOf(err); code == "" || code.IsFatal() {
			fatal = append(fatal, err)
		}
	}
	return fatal
}

// StrictErr returns an error wrapping ErrStrict when the pass has fatal
// failures, nil otherwise.
func (p *Pass) StrictErr() error {
	fatal := p.Fatal()
	if len(fatal) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d fatal failure(s): %w", ErrStrict, len(fatal), errors.Join(fatal...))
}
