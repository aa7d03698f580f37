package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/venue-ticketing/internal/config"
	"github.com/iliyamo/venue-ticketing/internal/utils"
)

const secret = "staff-secret"

func serve(t *testing.T, mw []echo.MiddlewareFunc, header string) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	h := func(c echo.Context) error { return c.String(http.StatusOK, StaffID(c)) }
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	if err := h(c); err != nil {
		t.Fatal(err)
	}
	return rec, c
}

func TestJWTAuth(t *testing.T) {
	tok, err := utils.NewStaffToken(secret, "door-7", utils.RoleStaff, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, _ := utils.NewStaffToken(secret, "door-7", utils.RoleStaff, -time.Minute)
	other, _ := utils.NewStaffToken("other", "door-7", utils.RoleStaff, time.Hour)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + tok.Token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired.Token, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + other.Token, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := serve(t, []echo.MiddlewareFunc{JWTAuth(secret)}, tc.header)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusOK && rec.Body.String() != "door-7" {
				t.Fatalf("staff id = %q", rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	staff, _ := utils.NewStaffToken(secret, "s1", utils.RoleStaff, time.Hour)
	admin, _ := utils.NewStaffToken(secret, "a1", utils.RoleAdmin, time.Hour)
	chain := []echo.MiddlewareFunc{JWTAuth(secret), RequireRole(utils.RoleAdmin)}

	if rec, _ := serve(t, chain, "Bearer "+staff.Token); rec.Code != http.StatusForbidden {
		t.Fatalf("staff: status = %d, want 403", rec.Code)
	}
	if rec, _ := serve(t, chain, "Bearer "+admin.Token); rec.Code != http.StatusOK {
		t.Fatalf("admin: status = %d, want 200", rec.Code)
	}
}

// fakeRedis implements the few commands the guard uses.
type fakeRedis struct {
	redis.Cmdable
	mu   sync.Mutex
	vals map[string]int64
}

func newFakeRedis() *fakeRedis { return &fakeRedis{vals: map[string]int64{}} }

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key]++
	return redis.NewIntResult(f.vals[key], nil)
}

func (f *fakeRedis) Expire(context.Context, string, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, _ interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = 1
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.vals[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestSourceGuardBlocksAfterThreshold(t *testing.T) {
	g := NewSourceGuard(newFakeRedis(), config.SuspiciousConfig{Threshold: 3, Window: time.Minute, Block: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		g.RecordFailure(ctx, "10.0.0.1")
	}
	if g.Blocked(ctx, "10.0.0.1") {
		t.Fatal("blocked below threshold")
	}
	g.RecordFailure(ctx, "10.0.0.1")
	if !g.Blocked(ctx, "10.0.0.1") {
		t.Fatal("not blocked at threshold")
	}
	if g.Blocked(ctx, "10.0.0.2") {
		t.Fatal("other source blocked")
	}
}

func TestSourceGuardMiddleware(t *testing.T) {
	fr := newFakeRedis()
	g := NewSourceGuard(fr, config.SuspiciousConfig{Threshold: 1, Window: time.Minute, Block: time.Minute}, nil)
	g.RecordFailure(context.Background(), "192.0.2.1")

	e := echo.New()
	e.POST("/hook", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, g.Middleware())

	req := httptest.NewRequest(http.MethodPost, "/hook", nil)
	req.RemoteAddr = "192.0.2.1:5000"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked source: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/hook", nil)
	req.RemoteAddr = "192.0.2.9:5000"
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("clean source: status = %d", rec.Code)
	}
}

func TestNilSourceGuard(t *testing.T) {
	var g *SourceGuard
	g.RecordFailure(context.Background(), "x")
	if g.Blocked(context.Background(), "x") {
		t.Fatal("nil guard blocked")
	}
}

// countingBucket allows limit takes per key.
type countingBucket struct {
	mu    sync.Mutex
	limit int64
	taken map[string]int64
	err   error
}

func (b *countingBucket) Take(_ context.Context, key string) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return Decision{}, b.err
	}
	if b.taken == nil {
		b.taken = map[string]int64{}
	}
	if b.taken[key] >= b.limit {
		return Decision{RetryIn: 1500 * time.Millisecond}, nil
	}
	b.taken[key]++
	return Decision{Allowed: true, Remaining: b.limit - b.taken[key]}, nil
}

func rateLimited(t *testing.T, l *RateLimiter, auth, ip string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
		JWTAuth(secret), l.Middleware("scanner"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":4000"
	req.Header.Set("Authorization", auth)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterKeysByStaff(t *testing.T) {
	bucket := &countingBucket{limit: 2}
	l := NewRateLimiter(bucket, config.RateLimitConfig{Enabled: true, Capacity: 2}, nil)
	door1, _ := utils.NewStaffToken(secret, "door-1", utils.RoleStaff, time.Hour)
	door2, _ := utils.NewStaffToken(secret, "door-2", utils.RoleStaff, time.Hour)

	for i := 0; i < 2; i++ {
		if rec := rateLimited(t, l, "Bearer "+door1.Token, "203.0.113.5"); rec.Code != http.StatusOK {
			t.Fatalf("take %d: status = %d", i, rec.Code)
		}
	}
	rec := rateLimited(t, l, "Bearer "+door1.Token, "203.0.113.5")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("over limit: status = %d retry-after %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := rateLimited(t, l, "Bearer "+door2.Token, "203.0.113.5"); rec.Code != http.StatusOK {
		t.Fatalf("second device behind same IP: status = %d", rec.Code)
	}
	if _, ok := bucket.taken["rl:scanner:staff:door-2"]; !ok {
		t.Fatalf("keys = %v", bucket.taken)
	}
}

func TestRateLimiterAnonymousByIP(t *testing.T) {
	bucket := &countingBucket{limit: 1}
	l := NewRateLimiter(bucket, config.RateLimitConfig{Enabled: true, Capacity: 1, Prefix: "rl"}, nil)
	e := echo.New()
	e.POST("/v1/tickets/verify", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, l.Middleware("verify"))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/v1/tickets/verify", nil)
		req.RemoteAddr = "198.51.100.4:1234"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, want)
		}
	}
	if bucket.taken["rl:verify:ip:198.51.100.4"] != 1 {
		t.Fatalf("keys = %v", bucket.taken)
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	tok, _ := utils.NewStaffToken(secret, "door-1", utils.RoleStaff, time.Hour)
	l := NewRateLimiter(&countingBucket{err: context.DeadlineExceeded}, config.RateLimitConfig{Enabled: true}, nil)
	if rec := rateLimited(t, l, "Bearer "+tok.Token, "203.0.113.5"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if NewRateLimiter(&countingBucket{}, config.RateLimitConfig{}, nil) != nil {
		t.Fatal("disabled limiter was built")
	}
	var off *RateLimiter
	if rec := rateLimited(t, off, "Bearer "+tok.Token, "203.0.113.5"); rec.Code != http.StatusOK {
		t.Fatalf("nil limiter: status = %d", rec.Code)
	}
}
