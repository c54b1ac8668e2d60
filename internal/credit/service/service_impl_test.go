package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/studioledger/internal/clock"
	"github.com/smallbiznis/studioledger/internal/config"
	"github.com/smallbiznis/studioledger/internal/credit/domain"
	"github.com/smallbiznis/studioledger/internal/credit/projection"
	creditrepo "github.com/smallbiznis/studioledger/internal/credit/repository"
	studentdomain "github.com/smallbiznis/studioledger/internal/student/domain"
	studentrepo "github.com/smallbiznis/studioledger/internal/student/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testSchema = []string{
	`CREATE TABLE students (
		id INTEGER PRIMARY KEY,
		studio_id INTEGER NOT NULL,
		auth_uid TEXT NOT NULL,
		credits INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE student_profiles (
		id INTEGER PRIMARY KEY,
		auth_uid TEXT NOT NULL UNIQUE,
		studios TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE credit_batches (
		id INTEGER PRIMARY KEY,
		student_id INTEGER NOT NULL,
		studio_id INTEGER NOT NULL,
		credits_granted INTEGER NOT NULL,
		credits_remaining INTEGER NOT NULL CHECK (credits_remaining >= 0),
		purchase_date DATETIME NOT NULL,
		expiration_date DATETIME NOT NULL,
		source_package_id INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
}

type testEnv struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	ledger   domain.Repository
	students studentdomain.Repository
	svc      domain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	for _, ddl := range testSchema {
		require.NoError(t, conn.Exec(ddl).Error)
	}

	fakeClock := clock.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	ledger := creditrepo.Provide()
	students := studentrepo.Provide()
	projector := projection.New(conn, fakeClock, ledger, students, log)

	svc := Provide(Params{
		DB:        conn,
		Clock:     fakeClock,
		Node:      node,
		Config:    config.Config{LegacyExpiryDays: 365, ConsumeRetryLimit: 3},
		Logger:    log,
		Ledger:    ledger,
		Students:  students,
		Projector: projector,
	})

	return &testEnv{
		db:       conn,
		clock:    fakeClock,
		node:     node,
		ledger:   ledger,
		students: students,
		svc:      svc,
	}
}

func (e *testEnv) seedStudent(t *testing.T, studioID snowflake.ID, legacyCredits int64) snowflake.ID {
	t.Helper()

	id := e.node.Generate()
	err := e.db.Exec(
		`INSERT INTO students (id, studio_id, auth_uid, credits) VALUES (?, ?, ?, ?)`,
		id, studioID, "auth-"+id.String(), legacyCredits,
	).Error
	require.NoError(t, err)
	return id
}

func (e *testEnv) seedProfile(t *testing.T, studentID snowflake.ID) snowflake.ID {
	t.Helper()

	profileID := e.node.Generate()
	err := e.db.Exec(
		`INSERT INTO student_profiles (id, auth_uid, studios) VALUES (?, ?, '{}')`,
		profileID, "auth-"+studentID.String(),
	).Error
	require.NoError(t, err)
	return profileID
}

func (e *testEnv) studentCredits(t *testing.T, studentID snowflake.ID) int64 {
	t.Helper()

	student, err := e.students.FindByID(context.Background(), e.db, studentID)
	require.NoError(t, err)
	require.NotNil(t, student)
	return student.Credits
}

func (e *testEnv) batchCount(t *testing.T, studentID snowflake.ID) int64 {
	t.Helper()

	var count int64
	err := e.db.Raw(`SELECT COUNT(*) FROM credit_batches WHERE student_id = ?`, studentID).Scan(&count).Error
	require.NoError(t, err)
	return count
}

// The scalar cache must always equal the ledger sum after any operation.
func (e *testEnv) assertBalanceInvariant(t *testing.T, studentID, studioID snowflake.ID) {
	t.Helper()

	total, err := e.ledger.SumAvailable(context.Background(), e.db, studentID, studioID, e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, total, e.studentCredits(t, studentID))
}

func TestAddCreditsValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	studioID := env.node.Generate()
	studentID := env.seedStudent(t, studioID, 0)

	_, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 0, ExpirationDays: 30,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCredits)

	_, err = env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: -3, ExpirationDays: 30,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCredits)

	_, err = env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 5, ExpirationDays: 0,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidExpirationDays)

	_, err = env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: env.node.Generate(), StudioID: studioID, Credits: 5, ExpirationDays: 30,
	})
	assert.ErrorIs(t, err, domain.ErrStudentNotFound)
}

func TestAddCreditsSyncsBalances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	studioID := env.node.Generate()
	studentID := env.seedStudent(t, studioID, 0)
	env.seedProfile(t, studentID)

	batchID, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 5, ExpirationDays: 30,
	})
	require.NoError(t, err)
	assert.NotZero(t, batchID)

	total, err := env.svc.GetAvailableCredits(ctx, studentID, studioID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.EqualValues(t, 5, env.studentCredits(t, studentID))

	profile, err := env.students.FindProfileByAuthUID(ctx, env.db, "auth-"+studentID.String())
	require.NoError(t, err)
	require.NotNil(t, profile)
	entry, ok := profile.Studios[studioID.String()].(map[string]interface{})
	require.True(t, ok, "profile should carry a per-studio entry")
	assert.EqualValues(t, 5, entry["credits"])

	env.assertBalanceInvariant(t, studentID, studioID)
}

func TestConsumeDrainsEarliestExpiringFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	studioID := env.node.Generate()
	studentID := env.seedStudent(t, studioID, 0)

	soonID, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 2, ExpirationDays: 10,
	})
	require.NoError(t, err)
	lateID, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 2, ExpirationDays: 30,
	})
	require.NoError(t, err)

	var consumed []snowflake.ID
	for i := 0; i < 4; i++ {
		batchID, err := env.svc.ConsumeCredit(ctx, studentID, studioID)
		require.NoError(t, err)
		consumed = append(consumed, batchID)
	}

	assert.Equal(t, []snowflake.ID{soonID, soonID, lateID, lateID}, consumed)

	_, err = env.svc.ConsumeCredit(ctx, studentID, studioID)
	assert.ErrorIs(t, err, domain.ErrNoAvailableCredits)
	env.assertBalanceInvariant(t, studentID, studioID)
}

func TestConsumeSkipsExpiredBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	studioID := env.node.Generate()
	studentID := env.seedStudent(t, studioID, 0)

	_, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 3, ExpirationDays: 5,
	})
	require.NoError(t, err)
	lateID, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 1, ExpirationDays: 60,
	})
	require.NoError(t, err)

	env.clock.Advance(6 * 24 * time.Hour)

	batchID, err := env.svc.ConsumeCredit(ctx, studentID, studioID)
	require.NoError(t, err)
	assert.Equal(t, lateID, batchID)

	_, err = env.svc.ConsumeCredit(ctx, studentID, studioID)
	assert.ErrorIs(t, err, domain.ErrNoAvailableCredits)
}

func TestConsumeWithoutCredits(t *testing.T) {
	env := newTestEnv(t)
	studioID := env.node.Generate()
	studentID := env.seedStudent(t, studioID, 0)

	_, err := env.svc.ConsumeCredit(context.Background(), studentID, studioID)
	assert.ErrorIs(t, err, domain.ErrNoAvailableCredits)
}

func TestRestoreCreditAfterCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	studioID := env.node.Generate()
	studentID := env.seedStudent(t, studioID, 0)

	batchID, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 5, ExpirationDays: 30,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		consumedID, err := env.svc.ConsumeCredit(ctx, studentID, studioID)
		require.NoError(t, err)
		assert.Equal(t, batchID, consumedID)
	}

	total, err := env.svc.GetAvailableCredits(ctx, studentID, studioID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	require.NoError(t, env.svc.RestoreCredit(ctx, studentID, studioID, batchID))

	total, err = env.svc.GetAvailableCredits(ctx, studentID, studioID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	env.assertBalanceInvariant(t, studentID, studioID)
}

func TestRestoreCreditErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	studioID := env.node.Generate()
	otherStudioID := env.node.Generate()
	studentID := env.seedStudent(t, studioID, 0)

	batchID, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: studentID, StudioID: studioID, Credits: 1, ExpirationDays: 10,
	})
	require.NoError(t, err)

	err = env.svc.RestoreCredit(ctx, studentID, studioID, env.node.Generate())
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)

	err = env.svc.RestoreCredit(ctx, studentID, otherStudioID, batchID)
	assert.ErrorIs(t, err, domain.ErrStudioMismatch)

	// The batch is still full, so there is nothing to put back.
	err = env.svc.RestoreCredit(ctx, studentID, studioID, batchID)
	assert.ErrorIs(t, err, domain.ErrNothingToRestore)

	_, err = env.svc.ConsumeCredit(ctx, studentID, studioID)
	require.NoError(t, err)

	// Past expiration the restore is rejected even before any sweep runs.
	env.clock.Advance(11 * 24 * time.Hour)
	err = env.svc.RestoreCredit(ctx, studentID, studioID, batchID)
	assert.ErrorIs(t, err, domain.ErrCreditExpired)
}

func TestExpireCreditsSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	studioID := env.node.Generate()
	first := env.seedStudent(t, studioID, 0)
	second := env.seedStudent(t, studioID, 0)
	env.seedProfile(t, first)

	_, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: first, StudioID: studioID, Credits: 4, ExpirationDays: 30,
	})
	require.NoError(t, err)
	_, err = env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: second, StudioID: studioID, Credits: 2, ExpirationDays: 30,
	})
	require.NoError(t, err)
	keptID, err := env.svc.AddCredits(ctx, domain.AddCreditsRequest{
		StudentID: second, StudioID: studioID, Credits: 3, ExpirationDays: 90,
	})
	require.NoError(t, err)

	_, err = env.svc.ConsumeCredit(ctx, first, studioID)
	require.NoError(t, err)

	env.clock.Advance(31 * 24 * time.Hour)

	result, err := env.svc.ExpireCredits(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, result.TotalExpired, "3 unused from first, 2 from second")
	assert.Equal(t, 2, result.AffectedStudents)

	assert.EqualValues(t, 0, env.batchCount(t, first))
	assert.EqualValues(t, 1, env.batchCount(t, second))
	assert.EqualValues(t, 0, env.studentCredits(t, first))
	assert.EqualValues(t, 3, env.studentCredits(t, second))

	remaining, err := env.svc.ConsumeCredit(ctx, second, studioID)
	require.NoError(t, err)
	assert.Equal(t, keptID, remaining)

	// Idempotent: a second pass finds nothing new.
	again, err := env.svc.ExpireCredits(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.TotalExpired)
	assert.Zero(t, again.AffectedStudents)
}

func TestLegacyCreditMigration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	studioID := env.node.Generate()
	studentID := env.seedStudent(t, studioID, 7)
	env.seedProfile(t, studentID)

	total, err := env.svc.GetAvailableCredits(ctx, studentID, studioID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, total)
	assert.EqualValues(t, 1, env.batchCount(t, studentID))

	var batch domain.CreditBatch
	require.NoError(t, env.db.Raw(`SELECT * FROM credit_batches WHERE student_id = ?`, studentID).Scan(&batch).Error)
	assert.EqualValues(t, 7, batch.CreditsGranted)
	assert.EqualValues(t, 7, batch.CreditsRemaining)
	assert.WithinDuration(t, env.clock.Now().AddDate(0, 0, 365), batch.ExpirationDate, time.Second)

	// A second read must not mint a second batch.
	total, err = env.svc.GetAvailableCredits(ctx, studentID, studioID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, total)
	assert.EqualValues(t, 1, env.batchCount(t, studentID))

	env.assertBalanceInvariant(t, studentID, studioID)
}

func TestLegacyMigrationSkipsOtherStudio(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	homeStudioID := env.node.Generate()
	otherStudioID := env.node.Generate()
	studentID := env.seedStudent(t, homeStudioID, 7)

	total, err := env.svc.GetAvailableCredits(ctx, studentID, otherStudioID)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, env.batchCount(t, studentID))
}

func TestGetAvailableCreditsUnknownStudent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetAvailableCredits(context.Background(), env.node.Generate(), env.node.Generate())
	assert.ErrorIs(t, err, domain.ErrStudentNotFound)
}
