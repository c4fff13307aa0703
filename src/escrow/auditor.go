package escrow

import (
	"context"
	"time"

	"github.com/onemorebsmith/bounty-escrow/src/metrics"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"go.uber.org/zap"
)

type Drift struct {
	Sponsor  model.SponsorID
	Recorded uint64
	Held     uint64
}

// StartAuditor periodically compares each pool's recorded balance with what
// its vault holds
func StartAuditor(ctx context.Context, delay time.Duration, svc *Service, logger *zap.Logger) error {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	logger = logger.Named("auditor")
	for {
		select {
		case <-ticker.C:
			for _, d := range svc.AuditOnce() {
				logger.Warn("pool drift detected", zap.String("sponsor", string(d.Sponsor)),
					zap.Uint64("recorded", d.Recorded), zap.Uint64("held", d.Held))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AuditOnce returns every pool whose vault disagrees with its record
func (s *Service) AuditOnce() []Drift {
	var drifted []Drift
	for _, sponsor := range s.ledger.Sponsors() {
		recorded, held, err := s.ledger.Audit(sponsor)
		if err != nil {
			s.logger.Error("failed auditing pool", zap.String("sponsor", string(sponsor)), zap.Error(err))
			continue
		}
		metrics.RecordPoolDrift(string(sponsor), recorded, held)
		if recorded != held {
			drifted = append(drifted, Drift{Sponsor: sponsor, Recorded: recorded, Held: held})
		}
	}
	return drifted
}
