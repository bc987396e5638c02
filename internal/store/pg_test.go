package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relaypoint/webhook-relay/internal/domain"
)

// openPostgres connects to an external database when TEST_DB_HOST is set,
// otherwise starts a throwaway container. Skips when neither is available.
func openPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	var dsn string

	if dbHost := os.Getenv("TEST_DB_HOST"); dbHost != "" {
		dbPort := os.Getenv("TEST_DB_PORT")
		if dbPort == "" {
			dbPort = "5432"
		}
		dbUser := os.Getenv("TEST_DB_USER")
		if dbUser == "" {
			dbUser = "postgres"
		}
		dbPassword := os.Getenv("TEST_DB_PASSWORD")
		if dbPassword == "" {
			dbPassword = "postgres"
		}
		dbName := os.Getenv("TEST_DB_NAME")
		if dbName == "" {
			dbName = "test_db"
		}
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			dbHost, dbPort, dbUser, dbPassword, dbName)
	} else {
		container, err := postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("test_db"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			t.Skipf("skipping postgres tests: could not start container: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate postgres container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	return db
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres tests in short mode")
	}

	db := openPostgres(t)

	// Each subtest gets a clean slate on the shared database
	newStore := func(t *testing.T) Store {
		require.NoError(t, db.Exec("TRUNCATE webhook_deliveries, webhook_subscriptions").Error)
		return NewDBStore(db)
	}

	runStoreTests(t, newStore)

	t.Run("ConcurrentClaimDisjoint", func(t *testing.T) {
		testConcurrentClaimDisjoint(t, newStore(t))
	})
}

// testConcurrentClaimDisjoint verifies that SKIP LOCKED keeps parallel
// dispatchers from claiming the same rows
func testConcurrentClaimDisjoint(t *testing.T, st Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	const total = 40
	deliveries := make([]*domain.Delivery, total)
	for i := range deliveries {
		d, err := domain.NewDelivery("tenant-1", "stripe", "order.created", "{}",
			fmt.Sprintf("concurrent-%d", i), "https://a.example.com/hook")
		require.NoError(t, err)
		d.MarkPublished()
		deliveries[i] = d
	}
	_, err := st.CreateDeliveries(ctx, deliveries)
	require.NoError(t, err)

	const claimers = 4
	results := make([][]*domain.Delivery, claimers)
	errs := make([]error, claimers)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.ClaimDue(ctx, now, total/claimers)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	claimed := 0
	for i := 0; i < claimers; i++ {
		require.NoError(t, errs[i])
		for _, d := range results[i] {
			seen[d.ID]++
			claimed++
		}
	}

	assert.Equal(t, total, claimed)
	for id, count := range seen {
		assert.Equal(t, 1, count, "delivery %s claimed by multiple workers", id)
	}
}
