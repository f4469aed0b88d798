package manifest

import (
	"context"

	"github.com/italolelis/manifest_syncer/internal/telemetry"
	"github.com/italolelis/manifest_syncer/internal/transfer"
)

// InstrumentedSource wraps a ManifestSource with telemetry.
type InstrumentedSource struct {
	source    transfer.ManifestSource
	telemetry *telemetry.Telemetry
}

func NewInstrumentedSource(source transfer.ManifestSource, tel *telemetry.Telemetry) *InstrumentedSource {
	return &InstrumentedSource{
		source:    source,
		telemetry: tel,
	}
}

// FetchManifest fetches the manifest with telemetry.
func (s *InstrumentedSource) FetchManifest(ctx context.Context) ([]*transfer.Entry, error) {
	var result []*transfer.Entry

	err := s.telemetry.InstrumentManifestFetch(ctx, func(ctx context.Context) (int, error) {
		var err error
		result, err = s.source.FetchManifest(ctx)

		return len(result), err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
