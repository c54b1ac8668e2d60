package projection

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/studioledger/internal/clock"
	creditdomain "github.com/smallbiznis/studioledger/internal/credit/domain"
	studentdomain "github.com/smallbiznis/studioledger/internal/student/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Projector keeps the denormalized balances in sync with the ledger. It
// always recomputes the full sum and overwrites the caches, so concurrent
// or redundant runs converge on the ledger's value.
type Projector struct {
	db       *gorm.DB
	clock    clock.Clock
	ledger   creditdomain.Repository
	students studentdomain.Repository
	log      *zap.Logger
}

func New(
	db *gorm.DB,
	clk clock.Clock,
	ledger creditdomain.Repository,
	students studentdomain.Repository,
	log *zap.Logger,
) *Projector {
	return &Projector{
		db:       db,
		clock:    clk,
		ledger:   ledger,
		students: students,
		log:      log.Named("credit.projection"),
	}
}

// Sync recomputes the student's available balance for one studio and
// overwrites the student record and the per-studio profile entry.
func (p *Projector) Sync(ctx context.Context, studentID, studioID snowflake.ID) error {
	now := p.clock.Now()

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		total, err := p.ledger.SumAvailable(ctx, tx, studentID, studioID, now)
		if err != nil {
			return err
		}

		student, err := p.students.FindByID(ctx, tx, studentID)
		if err != nil {
			return err
		}
		if student == nil {
			return creditdomain.ErrStudentNotFound
		}

		if err := p.students.UpdateCredits(ctx, tx, studentID, total); err != nil {
			return err
		}

		profile, err := p.students.FindProfileByAuthUID(ctx, tx, student.AuthUID)
		if err != nil {
			return err
		}
		if profile == nil {
			// Students without a cross-studio profile only carry the scalar cache.
			p.log.Debug("no profile for student, skipping studio map update",
				zap.Int64("student_id", studentID.Int64()),
			)
			return nil
		}

		studios := profile.Studios
		if studios == nil {
			studios = map[string]interface{}{}
		}

		key := studioID.String()
		entry, ok := studios[key].(map[string]interface{})
		if !ok {
			entry = map[string]interface{}{}
		}
		entry["credits"] = total
		studios[key] = entry

		return p.students.UpdateProfileStudios(ctx, tx, profile.ID, studios)
	})
}
