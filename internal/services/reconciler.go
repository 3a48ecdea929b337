package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"

	"github.com/eduwallet/backend/internal/models"
)

type transactionReconciler interface {
	Reconcile(ctx context.Context, reference, actor string, origin models.RequestOrigin) (*models.Transaction, error)
}

// Reconciler periodically re-drives pending transactions through
// reconciliation. It drains the Redis queue fed by the funding flow
// and, when Redis is unavailable, falls back to scanning the database
// for aged pending transactions. The sweep is just repeated invocation
// of Reconcile; it adds no semantics of its own.
type Reconciler struct {
	ledger   *LedgerService
	svc      transactionReconciler
	redis    *redis.Client
	interval time.Duration
	batch    int
	minAge   time.Duration
}

func NewReconciler(db *sql.DB, redisClient *redis.Client, svc transactionReconciler) *Reconciler {
	viper.SetDefault("reconciler.interval_seconds", 60)
	viper.SetDefault("reconciler.batch_size", 20)
	viper.SetDefault("reconciler.min_age_minutes", 10)

	return &Reconciler{
		ledger:   NewLedgerService(db),
		svc:      svc,
		redis:    redisClient,
		interval: time.Duration(viper.GetInt("reconciler.interval_seconds")) * time.Second,
		batch:    viper.GetInt("reconciler.batch_size"),
		minAge:   time.Duration(viper.GetInt("reconciler.min_age_minutes")) * time.Minute,
	}
}

// Run sweeps until the context is cancelled.
func (rc *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	log.Printf("[RECONCILE] Sweep started, interval %s", rc.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILE] Sweep stopped")
			return
		case <-ticker.C:
			rc.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of pending references.
func (rc *Reconciler) Sweep(ctx context.Context) {
	references := rc.nextBatch(ctx)
	for _, reference := range references {
		txn, err := rc.svc.Reconcile(ctx, reference, models.ActorSystem, models.RequestOrigin{})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				log.Printf("[RECONCILE] Dropping unknown reference %s", reference)
				continue
			}
			// Gateway unknown or store failure: keep the reference for
			// the next sweep.
			log.Printf("[RECONCILE] Sweep of %s deferred: %v", reference, err)
			rc.requeue(ctx, reference)
			continue
		}
		if !txn.IsTerminal() {
			rc.requeue(ctx, reference)
		}
	}
}

func (rc *Reconciler) nextBatch(ctx context.Context) []string {
	if rc.redis != nil {
		references := []string{}
		for len(references) < rc.batch {
			reference, err := rc.redis.LPop(ctx, reconcileQueueKey).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Printf("[RECONCILE] Queue read failed: %v", err)
				}
				break
			}
			references = append(references, reference)
		}
		return references
	}

	references, err := rc.ledger.ListStalePendingReferences(ctx, rc.minAge, rc.batch)
	if err != nil {
		log.Printf("[RECONCILE] Pending scan failed: %v", err)
		return nil
	}
	return references
}

func (rc *Reconciler) requeue(ctx context.Context, reference string) {
	if rc.redis == nil {
		return
	}
	if err := rc.redis.RPush(ctx, reconcileQueueKey, reference).Err(); err != nil {
		log.Printf("[RECONCILE] Failed to requeue %s: %v", reference, err)
	}
}
