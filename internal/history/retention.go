package history

import (
	"context"
	"time"
)

const archiveBatchSize = 1000

// RunRetention sweeps expired history on the given cadence. Each namespace's
// own retentionDays decides the threshold; events and closed visibility
// records older than it are removed in batches.
func (s *Service) RunRetention(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepRetention(ctx)
		}
	}
}

func (s *Service) sweepRetention(ctx context.Context) {
	pageToken := ""
	for {
		namespaces, nextToken, err := s.namespaces.List(ctx, 100, pageToken)
		if err != nil {
			s.logger.Error().Err(err).Msg("retention sweep: list namespaces failed")
			return
		}
		for i := range namespaces {
			ns := &namespaces[i]
			threshold := time.Now().UTC().AddDate(0, 0, -ns.RetentionDays)
			s.archiveNamespace(ctx, ns.ID, ns.Name, threshold)
		}
		if nextToken == "" {
			return
		}
		pageToken = nextToken
	}
}

func (s *Service) archiveNamespace(ctx context.Context, namespaceID, name string, threshold time.Time) {
	var totalEvents int64
	for {
		removed, err := s.events.ArchiveOlderThan(ctx, namespaceID, threshold, archiveBatchSize)
		if err != nil {
			s.logger.Error().Err(err).Str("namespace", name).Msg("retention sweep: archive events failed")
			return
		}
		totalEvents += removed
		if removed < archiveBatchSize {
			break
		}
	}

	records, err := s.visibility.ArchiveOlderThan(ctx, namespaceID, threshold)
	if err != nil {
		s.logger.Error().Err(err).Str("namespace", name).Msg("retention sweep: archive visibility failed")
		return
	}

	if totalEvents > 0 || records > 0 {
		s.logger.Info().
			Str("namespace", name).
			Int64("events", totalEvents).
			Int64("visibility_records", records).
			Msg("archived expired history")
	}
}
