package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const readinessDeadline = 30 * time.Second

// pingUntilReady pings the database at uri with exponential backoff until it
// answers, ctx is done or readinessDeadline passes.
func pingUntilReady(ctx context.Context, driver, uri string) error {
	db, err := sql.Open(driver, uri)
	if err != nil {
		return fmt.Errorf("open %s: %w", driver, err)
	}
	defer db.Close()

	policy := backoff.WithContext(
		backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(readinessDeadline)),
		ctx,
	)
	if err := backoff.Retry(func() error { return db.PingContext(ctx) }, policy); err != nil {
		return fmt.Errorf("%s did not become ready: %w", driver, err)
	}
	return nil
}
