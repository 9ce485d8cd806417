package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, cfg), mr
}

func TestLoginBudget(t *testing.T) {
	lim, _ := testLimiter(t, Config{
		MaxLoginAttempts: 3,
		LoginCooldown:    10 * time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := lim.CheckLogin(ctx, "alice", ""); err != nil {
			t.Fatalf("CheckLogin error: %v", err)
		}
		if err := lim.IncrementLogin(ctx, "alice", ""); err != nil {
			t.Fatalf("IncrementLogin error: %v", err)
		}
	}

	if err := lim.IncrementLogin(ctx, "alice", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := lim.CheckLogin(ctx, "alice", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	if err := lim.CheckLogin(ctx, "bob", ""); err != nil {
		t.Fatalf("other handle must not be throttled: %v", err)
	}
}

func TestLoginBudgetPerIP(t *testing.T) {
	lim, _ := testLimiter(t, Config{
		EnableIPThrottle: true,
		MaxLoginAttempts: 2,
		LoginCooldown:    10 * time.Minute,
	})
	ctx := context.Background()

	for i, handle := range []string{"alice", "bob", "carol"} {
		err := lim.IncrementLogin(ctx, handle, "10.0.0.9")
		if i < 2 && err != nil {
			t.Fatalf("IncrementLogin error: %v", err)
		}
		if i == 2 && !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected per-IP limit, got %v", err)
		}
	}
}

func TestLoginWindowLapses(t *testing.T) {
	lim, mr := testLimiter(t, Config{
		MaxLoginAttempts: 1,
		LoginCooldown:    10 * time.Minute,
	})
	ctx := context.Background()

	if err := lim.IncrementLogin(ctx, "alice", ""); err != nil {
		t.Fatalf("IncrementLogin error: %v", err)
	}
	if err := lim.IncrementLogin(ctx, "alice", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	mr.FastForward(11 * time.Minute)

	if err := lim.IncrementLogin(ctx, "alice", ""); err != nil {
		t.Fatalf("expected fresh window, got %v", err)
	}
}

func TestResetLogin(t *testing.T) {
	lim, _ := testLimiter(t, Config{
		EnableIPThrottle: true,
		MaxLoginAttempts: 1,
		LoginCooldown:    10 * time.Minute,
	})
	ctx := context.Background()

	if err := lim.IncrementLogin(ctx, "alice", "10.0.0.9"); err != nil {
		t.Fatalf("IncrementLogin error: %v", err)
	}
	if err := lim.ResetLogin(ctx, "alice", "10.0.0.9"); err != nil {
		t.Fatalf("ResetLogin error: %v", err)
	}

	attempts, err := lim.LoginAttempts(ctx, "alice")
	if err != nil {
		t.Fatalf("LoginAttempts error: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("expected 0 attempts after reset, got %d", attempts)
	}
}

func TestConcurrentAttemptsAllCounted(t *testing.T) {
	lim, _ := testLimiter(t, Config{
		MaxLoginAttempts: 100,
		LoginCooldown:    10 * time.Minute,
	})
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lim.IncrementLogin(ctx, "alice", ""); err != nil {
				t.Errorf("IncrementLogin error: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := lim.LoginAttempts(ctx, "alice")
	if err != nil {
		t.Fatalf("LoginAttempts error: %v", err)
	}
	if n != attempts {
		t.Fatalf("expected %d attempts, got %d", attempts, n)
	}
}

func TestRefreshBudget(t *testing.T) {
	lim, _ := testLimiter(t, Config{
		EnableRefreshThrottle: true,
		MaxRefreshAttempts:    2,
		RefreshCooldown:       time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := lim.CheckRefresh(ctx, "sess-1"); err != nil {
			t.Fatalf("CheckRefresh error: %v", err)
		}
	}
	if err := lim.CheckRefresh(ctx, "sess-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := lim.CheckRefresh(ctx, "sess-2"); err != nil {
		t.Fatalf("other session must not be throttled: %v", err)
	}
}

func TestRefreshThrottleDisabled(t *testing.T) {
	lim, _ := testLimiter(t, Config{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := lim.CheckRefresh(ctx, "sess-1"); err != nil {
			t.Fatalf("CheckRefresh error: %v", err)
		}
	}
}
