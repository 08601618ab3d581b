package archiver

import (
	"context"
	"time"

	"github.com/roomclerk/roomclerk/internal/services/scheduling/domain"
)

// sweeper is the slice of the scheduling service the archiver needs.
type sweeper interface {
	ListArchiveCandidates(ctx context.Context, threshold time.Time) ([]domain.Reservation, error)
	ArchiveOlderThan(ctx context.Context, threshold time.Time) (int, error)
}
