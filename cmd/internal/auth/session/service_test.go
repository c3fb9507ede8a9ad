package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"vitalis/cmd/identity"
)

func TestCreateSession_CapNeverExceeded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "cap@example.com")
	ctx := context.Background()

	var issued []Session
	for i := 0; i < 7; i++ {
		issued = append(issued, f.create(t, u, t0.Add(time.Duration(i)*time.Second)))

		active, err := f.svc.ListUserSessions(ctx, u.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(active) > 3 {
			t.Fatalf("after %d creates: %d active sessions, cap is 3", i+1, len(active))
		}
	}

	active, _ := f.svc.ListUserSessions(ctx, u.ID)
	for i, s := range active {
		if want := issued[4+i].ID; s.ID != want {
			t.Fatalf("active[%d]=%s want newest %s", i, s.ID, want)
		}
	}
	old, err := f.store.GetByID(ctx, issued[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.IsActive || old.DeactivationReason != ReasonEvicted {
		t.Fatalf("oldest session: active=%v reason=%q", old.IsActive, old.DeactivationReason)
	}
}

// Not parallel: ids minted for other instants in between would reset the
// monotonic sequence this relies on.
func TestCreateSession_SameInstantEvictsInCreationOrder(t *testing.T) {
	f := newFixture(t, nil)
	u := f.user(t, "burst@example.com")
	ctx := context.Background()

	var issued []Session
	for i := 0; i < 5; i++ {
		issued = append(issued, f.create(t, u, t0))
	}

	active, err := f.svc.ListUserSessions(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("active=%d want 3", len(active))
	}
	for i, s := range active {
		if want := issued[2+i].ID; s.ID != want {
			t.Fatalf("active[%d]=%s want %s", i, s.ID, want)
		}
	}
	for _, s := range issued[:2] {
		got, err := f.store.GetByID(ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.IsActive || got.DeactivationReason != ReasonEvicted {
			t.Fatalf("%s: active=%v reason=%q", s.ID, got.IsActive, got.DeactivationReason)
		}
	}
}

func TestCreateSession_RejectsInactiveUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "inactive@example.com")
	u.Status = identity.StatusSuspended

	if _, err := f.svc.CreateSession(context.Background(), t0, u, testDevice()); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("err=%v want ErrUserInactive", err)
	}
}

func TestCreateSession_IssuesDistinctTokens(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "tokens@example.com")
	s := f.create(t, u, t0)

	if s.Token == "" || s.RefreshToken == "" || s.Token == s.RefreshToken {
		t.Fatalf("bad tokens: %q %q", s.Token, s.RefreshToken)
	}
	if !s.ExpiresAt.Equal(t0.Add(time.Hour)) || !s.RefreshExpiresAt.Equal(t0.Add(4*time.Hour)) {
		t.Fatalf("expiries: %v %v", s.ExpiresAt, s.RefreshExpiresAt)
	}
	if s.IPAddress != "198.51.100.10" || s.Fingerprint == "" {
		t.Fatalf("device context not recorded: %+v", s)
	}

	stored, err := f.store.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Token != "" || stored.RefreshToken != "" {
		t.Fatalf("store kept plaintext tokens")
	}
	if stored.TokenHash == s.Token || stored.RefreshTokenHash == s.RefreshToken {
		t.Fatalf("store kept tokens instead of digests")
	}
}

func TestGetSession_RoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "roundtrip@example.com")
	s := f.create(t, u, t0)

	at := t0.Add(10 * time.Minute)
	res, err := f.svc.GetSession(context.Background(), at, s.Token)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !res.Authenticated() {
		t.Fatalf("expected authenticated result")
	}
	if res.User.ID != u.ID || res.Session.ID != s.ID {
		t.Fatalf("resolved wrong session: %+v", res.Session)
	}
	if res.Session.LastActivityAt.Before(res.Session.CreatedAt) || !res.Session.LastActivityAt.Equal(at) {
		t.Fatalf("lastActivityAt=%v createdAt=%v", res.Session.LastActivityAt, res.Session.CreatedAt)
	}
	if !res.Session.ExpiresAt.Equal(s.ExpiresAt) {
		t.Fatalf("expiry moved without sliding expiration")
	}

	stored, _ := f.store.GetByID(context.Background(), s.ID)
	if !stored.LastActivityAt.Equal(at) {
		t.Fatalf("activity not persisted")
	}
}

func TestGetSession_NegativeCases(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "negative@example.com")
	s := f.create(t, u, t0)

	tests := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"short", "abc"},
		{"bad charset", s.Token[:40] + "!!!!"},
		{"refresh token", s.RefreshToken},
		{"unknown", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.GetSession(context.Background(), t0, tt.tok)
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if res.Session != nil || res.User != nil {
				t.Fatalf("expected zero Resolved, got %+v", res)
			}
		})
	}
}

func TestGetSession_ExpiredIsDestroyed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "expired@example.com")
	s := f.create(t, u, t0)

	res, err := f.svc.GetSession(context.Background(), s.ExpiresAt, s.Token)
	if err != nil || res.Authenticated() {
		t.Fatalf("GetSession at expiry = (%+v, %v)", res, err)
	}
	stored, _ := f.store.GetByID(context.Background(), s.ID)
	if stored.IsActive || stored.DeactivationReason != ReasonExpired {
		t.Fatalf("expired session: active=%v reason=%q", stored.IsActive, stored.DeactivationReason)
	}

	res, _ = f.svc.GetSession(context.Background(), t0, s.Token)
	if res.Authenticated() {
		t.Fatalf("destroyed session resolved again")
	}
}

func TestGetSession_SlidingExpirationCappedByRefreshWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) {
		c.SlidingExpiration = true
		c.RefreshDuration = 90 * time.Minute
	})
	u := f.user(t, "sliding@example.com")
	s := f.create(t, u, t0)

	res, _ := f.svc.GetSession(context.Background(), t0.Add(10*time.Minute), s.Token)
	if want := t0.Add(70 * time.Minute); !res.Session.ExpiresAt.Equal(want) {
		t.Fatalf("slid expiry=%v want %v", res.Session.ExpiresAt, want)
	}

	res, _ = f.svc.GetSession(context.Background(), t0.Add(50*time.Minute), s.Token)
	if want := t0.Add(90 * time.Minute); !res.Session.ExpiresAt.Equal(want) {
		t.Fatalf("capped expiry=%v want %v", res.Session.ExpiresAt, want)
	}
}

func TestGetSession_InactiveOwnerDestroysSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "suspend@example.com")
	s := f.create(t, u, t0)

	if err := f.dir.SetStatus(context.Background(), u.ID, identity.StatusSuspended, t0); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.GetSession(context.Background(), t0.Add(time.Minute), s.Token)
	if err != nil || res.Authenticated() {
		t.Fatalf("GetSession = (%+v, %v)", res, err)
	}
	stored, _ := f.store.GetByID(context.Background(), s.ID)
	if stored.IsActive || stored.DeactivationReason != ReasonUserInactive {
		t.Fatalf("session of suspended user: active=%v reason=%q", stored.IsActive, stored.DeactivationReason)
	}
}

func TestRefreshSession_Rotates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "rotate@example.com")
	ctx := context.Background()

	dev := testDevice()
	dev.RememberMe = true
	old, err := f.svc.CreateSession(ctx, t0, u, dev)
	if err != nil {
		t.Fatal(err)
	}

	at := t0.Add(30 * time.Minute)
	res, err := f.svc.RefreshSession(ctx, at, old.RefreshToken, DeviceContext{})
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if !res.Authenticated() {
		t.Fatalf("refresh failed")
	}
	next := res.Session
	if next.ID == old.ID || next.Token == old.Token || next.RefreshToken == old.RefreshToken {
		t.Fatalf("refresh did not rotate identifiers")
	}
	if next.UserID != u.ID || !next.RememberMe || next.UserAgent != old.UserAgent || next.IPAddress != old.IPAddress {
		t.Fatalf("rotated session lost device context: %+v", next)
	}
	if !next.ExpiresAt.Equal(at.Add(time.Hour)) {
		t.Fatalf("rotated expiry=%v", next.ExpiresAt)
	}

	if r, _ := f.svc.GetSession(ctx, at, old.Token); r.Authenticated() {
		t.Fatalf("old session token still valid")
	}
	if r, _ := f.svc.RefreshSession(ctx, at, old.RefreshToken, DeviceContext{}); r.Authenticated() {
		t.Fatalf("old refresh token redeemed twice")
	}
	if r, _ := f.svc.GetSession(ctx, at, next.Token); !r.Authenticated() {
		t.Fatalf("new session token rejected")
	}

	stored, _ := f.store.GetByID(ctx, old.ID)
	if stored.DeactivationReason != ReasonRotated {
		t.Fatalf("old session reason=%q", stored.DeactivationReason)
	}
}

func TestRefreshSession_WorksAfterSessionExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "late@example.com")
	s := f.create(t, u, t0)

	res, err := f.svc.RefreshSession(context.Background(), t0.Add(2*time.Hour), s.RefreshToken, testDevice())
	if err != nil || !res.Authenticated() {
		t.Fatalf("refresh inside refresh window = (%+v, %v)", res, err)
	}
}

func TestRefreshSession_PastRefreshWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "toolate@example.com")
	s := f.create(t, u, t0)

	res, err := f.svc.RefreshSession(context.Background(), s.RefreshExpiresAt, s.RefreshToken, testDevice())
	if err != nil || res.Authenticated() {
		t.Fatalf("refresh at window end = (%+v, %v)", res, err)
	}
	stored, _ := f.store.GetByID(context.Background(), s.ID)
	if stored.IsActive || stored.DeactivationReason != ReasonRefreshExpired {
		t.Fatalf("active=%v reason=%q", stored.IsActive, stored.DeactivationReason)
	}
}

func TestRefreshSession_ConcurrentRedemptionOnlyOneWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) { c.MaxConcurrent = 10 })
	u := f.user(t, "race@example.com")
	s := f.create(t, u, t0)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.RefreshSession(context.Background(), t0.Add(time.Minute), s.RefreshToken, testDevice())
			if err != nil {
				t.Errorf("RefreshSession: %v", err)
				return
			}
			if res.Authenticated() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins=%d want 1", wins)
	}
	active, _ := f.svc.ListUserSessions(context.Background(), u.ID)
	if len(active) != 1 {
		t.Fatalf("active sessions=%d want 1", len(active))
	}
}

func TestDestroySession_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "destroy@example.com")
	s := f.create(t, u, t0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.svc.DestroySession(ctx, t0, s.ID, ReasonLogout); err != nil {
			t.Fatalf("DestroySession #%d: %v", i+1, err)
		}
	}
	if err := f.svc.DestroySession(ctx, t0, "01HZZZZZZZZZZZZZZZZZZZZZZZ", ReasonLogout); err != nil {
		t.Fatalf("unknown id: %v", err)
	}
	if res, _ := f.svc.GetSession(ctx, t0, s.Token); res.Authenticated() {
		t.Fatalf("destroyed session still resolves")
	}
}

func TestDestroyAllUserSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	alice := f.user(t, "alice@example.com")
	bob := f.user(t, "bob@example.com")
	ctx := context.Background()

	var aliceTokens []string
	for i := 0; i < 3; i++ {
		aliceTokens = append(aliceTokens, f.create(t, alice, t0.Add(time.Duration(i)*time.Second)).Token)
	}
	bobs := f.create(t, bob, t0)

	n, err := f.svc.DestroyAllUserSessions(ctx, t0.Add(time.Minute), alice.ID, ReasonLogoutAll)
	if err != nil || n != 3 {
		t.Fatalf("DestroyAllUserSessions = (%d, %v) want (3, nil)", n, err)
	}
	for _, tok := range aliceTokens {
		if res, _ := f.svc.GetSession(ctx, t0.Add(time.Minute), tok); res.Authenticated() {
			t.Fatalf("alice session survived")
		}
	}
	if res, _ := f.svc.GetSession(ctx, t0.Add(time.Minute), bobs.Token); !res.Authenticated() {
		t.Fatalf("bob's session was destroyed")
	}

	if n, _ := f.svc.DestroyAllUserSessions(ctx, t0, alice.ID, ReasonLogoutAll); n != 0 {
		t.Fatalf("second call destroyed %d", n)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	u := f.user(t, "cleanup@example.com")
	ctx := context.Background()

	old := f.create(t, u, t0)
	fresh := f.create(t, u, t0.Add(50*time.Minute))

	n, err := f.svc.CleanupExpiredSessions(ctx, t0.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("cleanup = (%d, %v) want (1, nil)", n, err)
	}
	if n, _ := f.svc.CleanupExpiredSessions(ctx, t0.Add(time.Hour)); n != 0 {
		t.Fatalf("second cleanup deactivated %d", n)
	}
	if res, _ := f.svc.GetSession(ctx, t0.Add(time.Hour), fresh.Token); !res.Authenticated() {
		t.Fatalf("fresh session removed by cleanup")
	}

	// Inactive records survive until the refresh window has passed.
	if _, err := f.store.GetByID(ctx, old.ID); err != nil {
		t.Fatalf("record purged too early: %v", err)
	}
	if _, err := f.svc.CleanupExpiredSessions(ctx, t0.Add(5*time.Hour+time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.GetByID(ctx, old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("record not purged: %v", err)
	}
}

func TestFromRequest_Fingerprint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		enforce bool
		ua      string
		want    bool
	}{
		{"same device", true, "Mozilla/5.0 test", true},
		{"other agent enforced", true, "curl/8.0", false},
		{"other agent not enforced", false, "curl/8.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, func(c *Config) { c.EnforceFingerprint = tt.enforce })
			u := f.user(t, "fp@example.com")
			s := f.create(t, u, t0)

			rec := httptest.NewRecorder()
			if err := f.svc.Cookies().Set(rec, s); err != nil {
				t.Fatal(err)
			}
			req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
			for _, c := range rec.Result().Cookies() {
				req.AddCookie(c)
			}

			dev := DeviceContext{IP: net.ParseIP("198.51.100.10"), UserAgent: tt.ua}
			res, err := f.svc.FromRequest(req, t0.Add(time.Minute), dev)
			if err != nil {
				t.Fatal(err)
			}
			if res.Authenticated() != tt.want {
				t.Fatalf("authenticated=%v want %v", res.Authenticated(), tt.want)
			}
			if !tt.want {
				stored, _ := f.store.GetByID(context.Background(), s.ID)
				if stored.IsActive || stored.DeactivationReason != ReasonFingerprint {
					t.Fatalf("mismatched session not destroyed: %+v", stored)
				}
			}
		})
	}
}

func TestFromRequest_ForgedCookie(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: f.svc.Cookies().Name(), Value: "forged"})

	res, err := f.svc.FromRequest(req, t0, testDevice())
	if err != nil || res.Authenticated() {
		t.Fatalf("forged cookie = (%+v, %v)", res, err)
	}
}

func TestValidateSessionFingerprint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ip := net.ParseIP("192.0.2.1")
	s := Session{Fingerprint: f.svc.CreateSessionFingerprint("ua", ip)}

	if !f.svc.ValidateSessionFingerprint(s, "ua", ip) {
		t.Fatalf("same inputs rejected")
	}
	if f.svc.ValidateSessionFingerprint(s, "ua", net.ParseIP("192.0.2.2")) {
		t.Fatalf("different IP accepted")
	}
	if !f.svc.ValidateSessionFingerprint(Session{}, "anything", nil) {
		t.Fatalf("empty fingerprint must validate")
	}
}

func TestNotifier_ReceivesLifecycleEvents(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []Event
	)
	rec := NotifierFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	f := newFixture(t, nil, WithNotifier(rec))
	u := f.user(t, "events@example.com")
	s := f.create(t, u, t0)
	if err := f.svc.DestroySession(context.Background(), t0, s.ID, ReasonLogout); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DestroySession(context.Background(), t0, s.ID, ReasonLogout); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events=%+v want 2", events)
	}
	if events[0].Kind != EventCreated || events[1].Kind != EventDestroyed {
		t.Fatalf("kinds: %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[1].UserID != u.ID || events[1].SessionID != s.ID || events[1].Reason != ReasonLogout {
		t.Fatalf("destroyed event: %+v", events[1])
	}
}

func TestNotifier_RotationNamesSuccessor(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []Event
	)
	rec := NotifierFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	f := newFixture(t, nil, WithNotifier(rec))
	u := f.user(t, "rotation-events@example.com")
	old := f.create(t, u, t0)

	res, err := f.svc.RefreshSession(context.Background(), t0.Add(time.Minute), old.RefreshToken, DeviceContext{})
	if err != nil || !res.Authenticated() {
		t.Fatalf("RefreshSession: res=%+v err=%v", res, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("events=%+v want 3", events)
	}
	// The successor exists before the rotated session is reported gone.
	if events[1].Kind != EventCreated || events[1].SessionID != res.Session.ID {
		t.Fatalf("second event = %+v, want creation of %s", events[1], res.Session.ID)
	}
	got := events[2]
	if got.Kind != EventDestroyed || got.SessionID != old.ID || got.Reason != ReasonRotated || got.ReplacedBy != res.Session.ID {
		t.Fatalf("rotation event = %+v", got)
	}
}

func TestRunJanitor_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
