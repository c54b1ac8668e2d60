package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/studioledger/internal/clock"
	"github.com/smallbiznis/studioledger/internal/config"
	"github.com/smallbiznis/studioledger/internal/credit/domain"
	"github.com/smallbiznis/studioledger/internal/credit/projection"
	"github.com/smallbiznis/studioledger/internal/observability/metrics"
	studentdomain "github.com/smallbiznis/studioledger/internal/student/domain"
	"github.com/smallbiznis/studioledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultLegacyExpiryDays  = 365
	defaultConsumeRetryLimit = 3
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Clock     clock.Clock
	Node      *snowflake.Node
	Config    config.Config
	Logger    *zap.Logger
	Ledger    domain.Repository
	Students  studentdomain.Repository
	Projector *projection.Projector
	Metrics   *metrics.LedgerMetrics `optional:"true"`
}

type service struct {
	db        *gorm.DB
	clock     clock.Clock
	node      *snowflake.Node
	validate  *validator.Validate
	log       *zap.Logger
	ledger    domain.Repository
	students  studentdomain.Repository
	projector *projection.Projector
	metrics   *metrics.LedgerMetrics

	legacyExpiryDays int
	retryLimit       int
}

// Provide returns the credit ledger service.
func Provide(p Params) domain.Service {
	legacyDays := p.Config.LegacyExpiryDays
	if legacyDays <= 0 {
		legacyDays = defaultLegacyExpiryDays
	}
	retryLimit := p.Config.ConsumeRetryLimit
	if retryLimit <= 0 {
		retryLimit = defaultConsumeRetryLimit
	}

	return &service{
		db:        p.DB,
		clock:     p.Clock,
		node:      p.Node,
		validate:  validator.New(),
		log:       p.Logger.Named("credit.service"),
		ledger:    p.Ledger,
		students:  p.Students,
		projector: p.Projector,
		metrics:   p.Metrics,

		legacyExpiryDays: legacyDays,
		retryLimit:       retryLimit,
	}
}

func (s *service) AddCredits(ctx context.Context, req domain.AddCreditsRequest) (snowflake.ID, error) {
	if req.Credits <= 0 {
		return 0, domain.ErrInvalidCredits
	}
	if req.ExpirationDays <= 0 {
		return 0, domain.ErrInvalidExpirationDays
	}
	if err := s.validate.Struct(req); err != nil {
		return 0, err
	}

	student, err := s.students.FindByID(ctx, s.db, req.StudentID)
	if err != nil {
		return 0, err
	}
	if student == nil {
		return 0, domain.ErrStudentNotFound
	}

	now := s.clock.Now()
	batch := &domain.CreditBatch{
		ID:               s.node.Generate(),
		StudentID:        req.StudentID,
		StudioID:         req.StudioID,
		CreditsGranted:   req.Credits,
		CreditsRemaining: req.Credits,
		PurchaseDate:     now,
		ExpirationDate:   now.AddDate(0, 0, req.ExpirationDays),
		SourcePackageID:  req.SourcePackageID,
	}

	if err := s.ledger.CreateBatch(ctx, s.db, batch); err != nil {
		s.metrics.IncOperationError("add_credits")
		return 0, err
	}

	if err := s.projector.Sync(ctx, req.StudentID, req.StudioID); err != nil {
		return 0, err
	}

	s.metrics.IncOperation("add_credits")
	s.metrics.AddCreditsGranted(req.Credits)
	s.log.Info("credits added",
		zap.Int64("student_id", req.StudentID.Int64()),
		zap.Int64("studio_id", req.StudioID.Int64()),
		zap.Int64("credits", req.Credits),
		zap.Int64("batch_id", batch.ID.Int64()),
	)
	return batch.ID, nil
}

func (s *service) GetAvailableCredits(ctx context.Context, studentID, studioID snowflake.ID) (int64, error) {
	now := s.clock.Now()

	total, err := s.ledger.SumAvailable(ctx, s.db, studentID, studioID, now)
	if err != nil {
		return 0, err
	}
	if total > 0 {
		return total, nil
	}

	// Zero balance may mean the student predates the ledger and still
	// carries a positive legacy scalar. Migrate it into a single batch.
	student, err := s.students.FindByID(ctx, s.db, studentID)
	if err != nil {
		return 0, err
	}
	if student == nil {
		return 0, domain.ErrStudentNotFound
	}
	if student.Credits <= 0 || student.StudioID != studioID {
		return 0, nil
	}

	// The migrated batch reuses the student id, so a concurrent read
	// racing the same migration loses on the primary key instead of
	// minting a second batch.
	batch := &domain.CreditBatch{
		ID:               studentID,
		StudentID:        studentID,
		StudioID:         studioID,
		CreditsGranted:   student.Credits,
		CreditsRemaining: student.Credits,
		PurchaseDate:     now,
		ExpirationDate:   now.AddDate(0, 0, s.legacyExpiryDays),
	}

	if err := s.ledger.CreateBatch(ctx, s.db, batch); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.ledger.SumAvailable(ctx, s.db, studentID, studioID, now)
		}
		// Migration is best effort. Keep serving the legacy scalar and
		// leave it in place so a later read can retry.
		s.metrics.IncOperationError("migrate_legacy_credits")
		s.log.Warn("legacy credit migration failed, serving legacy balance",
			zap.Int64("student_id", studentID.Int64()),
			zap.Int64("studio_id", studioID.Int64()),
			zap.Int64("legacy_credits", student.Credits),
			zap.Error(err),
		)
		return student.Credits, nil
	}

	s.metrics.IncOperation("migrate_legacy_credits")
	s.log.Info("migrated legacy credits into ledger batch",
		zap.Int64("student_id", studentID.Int64()),
		zap.Int64("studio_id", studioID.Int64()),
		zap.Int64("credits", student.Credits),
		zap.Int64("batch_id", batch.ID.Int64()),
	)

	if err := s.projector.Sync(ctx, studentID, studioID); err != nil {
		s.log.Warn("balance sync after migration failed",
			zap.Int64("student_id", studentID.Int64()),
			zap.Error(err),
		)
	}

	return s.ledger.SumAvailable(ctx, s.db, studentID, studioID, now)
}

func (s *service) ConsumeCredit(ctx context.Context, studentID, studioID snowflake.ID) (snowflake.ID, error) {
	now := s.clock.Now()

	for attempt := 0; attempt < s.retryLimit; attempt++ {
		batches, err := s.ledger.ListNonExpired(ctx, s.db, studentID, studioID, now)
		if err != nil {
			return 0, err
		}

		candidates := 0
		for _, batch := range batches {
			if batch.CreditsRemaining <= 0 {
				continue
			}
			candidates++

			won, err := s.ledger.ConsumeOne(ctx, s.db, batch.ID, now)
			if err != nil {
				return 0, err
			}
			if !won {
				// Lost the row to a concurrent consumer; the next
				// candidate may still have credits.
				continue
			}

			if err := s.projector.Sync(ctx, studentID, studioID); err != nil {
				return 0, err
			}

			s.metrics.IncOperation("consume_credit")
			s.log.Info("credit consumed",
				zap.Int64("student_id", studentID.Int64()),
				zap.Int64("studio_id", studioID.Int64()),
				zap.Int64("batch_id", batch.ID.Int64()),
			)
			return batch.ID, nil
		}

		if candidates == 0 {
			break
		}
		// Every candidate was drained between the read and the update.
		// Re-read the ledger and try again.
	}

	s.metrics.IncOperationError("consume_credit")
	return 0, domain.ErrNoAvailableCredits
}

func (s *service) RestoreCredit(ctx context.Context, studentID, studioID, batchID snowflake.ID) error {
	now := s.clock.Now()

	batch, err := s.ledger.FindByID(ctx, s.db, batchID)
	if err != nil {
		return err
	}
	if batch == nil {
		return domain.ErrBatchNotFound
	}
	if batch.StudentID != studentID || batch.StudioID != studioID {
		return domain.ErrStudioMismatch
	}
	if batch.Expired(now) {
		return domain.ErrCreditExpired
	}

	restored, err := s.ledger.RestoreOne(ctx, s.db, batchID, now)
	if err != nil {
		return err
	}
	if !restored {
		return domain.ErrNothingToRestore
	}

	if err := s.projector.Sync(ctx, studentID, studioID); err != nil {
		return err
	}

	s.metrics.IncOperation("restore_credit")
	s.log.Info("credit restored",
		zap.Int64("student_id", studentID.Int64()),
		zap.Int64("studio_id", studioID.Int64()),
		zap.Int64("batch_id", batchID.Int64()),
	)
	return nil
}

func (s *service) ExpireCredits(ctx context.Context) (domain.SweepResult, error) {
	now := s.clock.Now()

	studentIDs, err := s.ledger.StudentIDsWithBatches(ctx, s.db)
	if err != nil {
		return domain.SweepResult{}, err
	}

	type pair struct {
		studentID snowflake.ID
		studioID  snowflake.ID
	}

	var result domain.SweepResult
	var sweepErrs []error
	affected := make(map[pair]struct{})

	for _, studentID := range studentIDs {
		expired, err := s.ledger.ListExpired(ctx, s.db, studentID, now)
		if err != nil {
			s.metrics.IncSweepError()
			s.log.Error("listing expired batches failed",
				zap.Int64("student_id", studentID.Int64()),
				zap.Error(err),
			)
			sweepErrs = append(sweepErrs, err)
			continue
		}
		if len(expired) == 0 {
			continue
		}

		batchIDs := make([]snowflake.ID, 0, len(expired))
		var remaining int64
		studios := make(map[snowflake.ID]struct{})
		for _, batch := range expired {
			batchIDs = append(batchIDs, batch.ID)
			remaining += batch.CreditsRemaining
			studios[batch.StudioID] = struct{}{}
		}

		if err := s.ledger.DeleteBatches(ctx, s.db, batchIDs); err != nil {
			s.metrics.IncSweepError()
			s.log.Error("deleting expired batches failed",
				zap.Int64("student_id", studentID.Int64()),
				zap.Int("batches", len(batchIDs)),
				zap.Error(err),
			)
			sweepErrs = append(sweepErrs, err)
			continue
		}

		result.TotalExpired += remaining
		result.AffectedStudents++
		for studioID := range studios {
			affected[pair{studentID: studentID, studioID: studioID}] = struct{}{}
		}
	}

	for p := range affected {
		if err := s.projector.Sync(ctx, p.studentID, p.studioID); err != nil {
			s.log.Warn("balance sync after sweep failed",
				zap.Int64("student_id", p.studentID.Int64()),
				zap.Int64("studio_id", p.studioID.Int64()),
				zap.Error(err),
			)
			sweepErrs = append(sweepErrs, err)
		}
	}

	s.metrics.AddCreditsExpired(result.TotalExpired)
	s.metrics.AddStudentsAffected(result.AffectedStudents)
	if result.TotalExpired > 0 {
		s.log.Info("expired credits swept",
			zap.Int64("total_expired", result.TotalExpired),
			zap.Int("affected_students", result.AffectedStudents),
		)
	}

	return result, errors.Join(sweepErrs...)
}
