//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"payplan/internal/compensation/models"
	"payplan/internal/compensation/ports"
	"payplan/internal/compensation/store"
	"payplan/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	StoreSuite
	postgres *containers.PostgresContainer
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.Require().NoError(store.Migrate(s.postgres.DB.DB))
	s.newStore = func() ports.Store { return store.NewPostgres(s.postgres.DB) }
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.Truncate(context.Background()))
	s.StoreSuite.SetupTest()
}

// TestRowLocksSerializeCarryForward verifies FOR UPDATE prevents lost carry-forward updates.
func (s *PostgresStoreSuite) TestRowLocksSerializeCarryForward() {
	owner := s.user(nil)
	const goroutines = 20

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.store.RunInTx(context.Background(), func(txCtx context.Context) error {
				u, err := s.store.FindUserForUpdate(txCtx, owner.ID)
				if err != nil {
					return err
				}
				u.ApplyVolume(models.SideRight, decimal.NewFromInt(10), s.now)
				return s.store.UpdateTreeState(txCtx, u)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	got, err := s.store.FindUser(s.ctx, owner.ID)
	s.Require().NoError(err)
	s.True(got.RightCarryForward.Equal(decimal.NewFromInt(10*goroutines)))
}
