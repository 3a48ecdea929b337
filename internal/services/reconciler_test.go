package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/eduwallet/backend/internal/models"
)

type stubReconciler struct {
	reconcile func(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error)
	seen      []string
}

func (s *stubReconciler) Reconcile(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
	s.seen = append(s.seen, reference)
	return s.reconcile(ctx, reference, actor, origin)
}

func TestReconciler_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("settled reference is dropped from the queue", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		stub := &stubReconciler{
			reconcile: func(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
				assert.Equal(t, models.ActorSystem, actor)
				return &models.Transaction{Reference: reference, Status: models.StatusSuccessful}, nil
			},
		}
		reconciler := &Reconciler{svc: stub, redis: redisClient, batch: 5}

		redisMock.ExpectLPop(reconcileQueueKey).SetVal("TW-20260830110000-AAAAAAAAAAAA")
		redisMock.ExpectLPop(reconcileQueueKey).RedisNil()

		reconciler.Sweep(ctx)

		assert.Equal(t, []string{"TW-20260830110000-AAAAAAAAAAAA"}, stub.seen)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("still pending reference is requeued", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		stub := &stubReconciler{
			reconcile: func(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
				return &models.Transaction{Reference: reference, Status: models.StatusPending}, nil
			},
		}
		reconciler := &Reconciler{svc: stub, redis: redisClient, batch: 5}

		redisMock.ExpectLPop(reconcileQueueKey).SetVal("TW-20260830110000-AAAAAAAAAAAA")
		redisMock.ExpectLPop(reconcileQueueKey).RedisNil()
		redisMock.ExpectRPush(reconcileQueueKey, "TW-20260830110000-AAAAAAAAAAAA").SetVal(1)

		reconciler.Sweep(ctx)

		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unknown reference is dropped", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		stub := &stubReconciler{
			reconcile: func(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
				return nil, ErrNotFound
			},
		}
		reconciler := &Reconciler{svc: stub, redis: redisClient, batch: 5}

		redisMock.ExpectLPop(reconcileQueueKey).SetVal("TW-GONE")
		redisMock.ExpectLPop(reconcileQueueKey).RedisNil()

		reconciler.Sweep(ctx)

		assert.Equal(t, []string{"TW-GONE"}, stub.seen)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("gateway outage defers the reference", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		stub := &stubReconciler{
			reconcile: func(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
				return nil, &GatewayError{Kind: GatewayUnreachable, Op: "verify", Message: "timeout"}
			},
		}
		reconciler := &Reconciler{svc: stub, redis: redisClient, batch: 5}

		redisMock.ExpectLPop(reconcileQueueKey).SetVal("TW-20260830110000-AAAAAAAAAAAA")
		redisMock.ExpectLPop(reconcileQueueKey).RedisNil()
		redisMock.ExpectRPush(reconcileQueueKey, "TW-20260830110000-AAAAAAAAAAAA").SetVal(1)

		reconciler.Sweep(ctx)

		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("falls back to database scan without redis", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		stub := &stubReconciler{
			reconcile: func(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error) {
				return &models.Transaction{Reference: reference, Status: models.StatusFailed}, nil
			},
		}
		reconciler := &Reconciler{ledger: NewLedgerService(db), svc: stub, batch: 5, minAge: 10 * time.Minute}

		dbMock.ExpectQuery("SELECT reference FROM transactions").
			WithArgs(sqlmock.AnyArg(), 5).
			WillReturnRows(sqlmock.NewRows([]string{"reference"}).
				AddRow("TW-20260830110000-AAAAAAAAAAAA").
				AddRow("TW-20260830110500-BBBBBBBBBBBB"))

		reconciler.Sweep(ctx)

		assert.Equal(t, []string{"TW-20260830110000-AAAAAAAAAAAA", "TW-20260830110500-BBBBBBBBBBBB"}, stub.seen)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
