//go:build integration

package bucket_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"rentkyc/internal/ratelimit/store/bucket"
	"rentkyc/pkg/testutil/containers"
)

type RedisBucketStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *bucket.RedisBucketStore
}

func TestRedisBucketStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisBucketStoreSuite))
}

func (s *RedisBucketStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = bucket.NewRedisBucketStore(s.redis.Client)
}

func (s *RedisBucketStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisBucketStoreSuite) TestLimitEnforced() {
	ctx := context.Background()
	for i := range 5 {
		res, err := s.store.Allow(ctx, "subject:a", 5, time.Hour)
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(4-i, res.Remaining)
	}
	res, err := s.store.Allow(ctx, "subject:a", 5, time.Hour)
	s.Require().NoError(err)
	s.False(res.Allowed)

	s.Require().NoError(s.store.Reset(ctx, "subject:a"))
	res, err = s.store.Allow(ctx, "subject:a", 5, time.Hour)
	s.Require().NoError(err)
	s.True(res.Allowed)
}

func (s *RedisBucketStoreSuite) TestConcurrentAllowIsAtomic() {
	ctx := context.Background()
	var wg sync.WaitGroup
	var allowed atomic.Int32
	for range 50 {
		wg.Go(func() {
			res, err := s.store.Allow(ctx, "subject:concurrent", 10, time.Hour)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()
	s.Equal(int32(10), allowed.Load())
}
