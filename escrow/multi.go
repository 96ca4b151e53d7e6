package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/host-provisioner/interfaces"
)

// MultiBackend implements interfaces.EscrowBackend over several backends.
// Stores go to every available backend; fetches come from the first one
// holding the copy.
type MultiBackend struct {
	backends []interfaces.EscrowBackend
	log      *slog.Logger
}

func NewMultiBackend(backends []interfaces.EscrowBackend, log *slog.Logger) *MultiBackend {
	return &MultiBackend{
		backends: backends,
		log:      log,
	}
}

func (m *MultiBackend) Fetch(ctx context.Context, hostname string) ([]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		data, err := backend.Fetch(ctx, hostname)
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("all backends failed to fetch escrow copy of %s: %w", hostname, errors.Join(errs...))
}

// Store succeeds if at least one backend accepted the copy.
func (m *MultiBackend) Store(ctx context.Context, hostname string, sealed []byte) error {
	start := time.Now()
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		if err := backend.Store(ctx, hostname, sealed); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store escrow copy",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		return fmt.Errorf("all backends failed to store escrow copy: %w", errors.Join(errs...))
	}

	m.log.Info("Stored escrow copies",
		slog.String("hostname", hostname),
		slog.Int("stored", stored),
		slog.Int("failed", len(errs)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Available checks if any backend is available.
func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiBackend) Name() string {
	return "multi-escrow"
}

func (m *MultiBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
