/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"strings"
	"sync"
)

// CompositeUnit represents a composition of service units.
type CompositeUnit struct {
	Units []Unit
}

// NewCompositeUnit creates a new composite unit.
func NewCompositeUnit(units ...Unit) *CompositeUnit {
	return &CompositeUnit{units}
}

// Start launches all units concurrently and blocks until all Start calls return.
// If any unit reports a fatal error, the others are stopped non-gracefully
// and a CompositeUnitError with all collected errors is sent to fatalError.
func (cu *CompositeUnit) Start(fatalError chan<- error) {
	var (
		mu       sync.Mutex
		errs     []error
		stopOnce sync.Once
		wg       sync.WaitGroup
	)
	for _, unit := range cu.Units {
		wg.Add(1)
		go func(unit Unit) {
			defer wg.Done()
			unitErr := make(chan error, 1)
			unit.Start(unitErr)
			select {
			case err := <-unitErr:
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				stopOnce.Do(func() {
					if stopErr := cu.Stop(false); stopErr != nil {
						mu.Lock()
						errs = append(errs, stopErr.(*CompositeUnitError).UnitErrors...)
						mu.Unlock()
					}
				})
			default:
			}
		}(unit)
	}
	wg.Wait()
	if len(errs) > 0 {
		fatalError <- &CompositeUnitError{errs}
	}
}

// Stop stops all units concurrently and collects their errors into a single CompositeUnitError.
func (cu *CompositeUnit) Stop(gracefully bool) error {
	errCh := make(chan error, len(cu.Units))
	var wg sync.WaitGroup
	for _, unit := range cu.Units {
		wg.Add(1)
		go func(unit Unit) {
			defer wg.Done()
			errCh <- unit.Stop(gracefully)
		}(unit)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &CompositeUnitError{errs}
	}
	return nil
}

// MustRegisterMetrics registers metrics of all units that implement MetricsRegisterer.
func (cu *CompositeUnit) MustRegisterMetrics() {
	for _, unit := range cu.Units {
		if mr, ok := unit.(MetricsRegisterer); ok {
			mr.MustRegisterMetrics()
		}
	}
}

// UnregisterMetrics unregisters metrics of all units that implement MetricsRegisterer.
func (cu *CompositeUnit) UnregisterMetrics() {
	for _, unit := range cu.Units {
		if mr, ok := unit.(MetricsRegisterer); ok {
			mr.UnregisterMetrics()
		}
	}
}

// CompositeUnitError is an error which may occur in CompositeUnit's methods.
type CompositeUnitError struct {
	UnitErrors []error
}

func (cue *CompositeUnitError) Error() string {
	msgs := make([]string, 0, len(cue.UnitErrors))
	for _, err := range cue.UnitErrors {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap allows errors.Is/As to look into unit errors.
func (cue *CompositeUnitError) Unwrap() []error {
	return cue.UnitErrors
}
