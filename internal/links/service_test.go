package links

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pairlink/pairlink/internal/store"
	"github.com/pairlink/pairlink/internal/store/memory"
)

const linkTTL = 4 * time.Hour

func TestGetOrCreateIdempotentReuse(t *testing.T) {
	svc := NewService(memory.New(), "https://pair.example.com")
	ctx := context.Background()

	tok1, url1, created1, err := svc.GetOrCreateConnectLink(ctx, "bot-a", "key-a", linkTTL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created1 {
		t.Error("first call must create")
	}
	if !strings.HasPrefix(url1, "https://pair.example.com?t=") {
		t.Errorf("unexpected url %q", url1)
	}

	tok2, _, created2, err := svc.GetOrCreateConnectLink(ctx, "bot-a", "key-a", linkTTL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created2 {
		t.Error("second call must reuse")
	}
	if tok2 != tok1 {
		t.Errorf("second call returned a different token: %q vs %q", tok2, tok1)
	}
}

func TestSingleActiveLinkUnderConcurrency(t *testing.T) {
	st := memory.New()
	svc := NewService(st, "")
	ctx := context.Background()

	const callers = 24
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	createdCount := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, _, created, err := svc.GetOrCreateConnectLink(ctx, "bot-a", "key-a", linkTTL)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			tokens[i] = tok
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	// All callers must agree on one token.
	for i := 1; i < callers; i++ {
		if tokens[i] != tokens[0] {
			t.Fatalf("callers disagree: %q vs %q", tokens[i], tokens[0])
		}
	}
	creates := 0
	for _, c := range createdCount {
		if c {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("expected exactly one creator, got %d", creates)
	}

	// And the loser tokens must not linger: the only token left is the winner.
	ids, _ := st.ListTokenIDs(ctx)
	if len(ids) != 1 || ids[0] != tokens[0] {
		t.Errorf("expected only the winning token to survive, got %v", ids)
	}
}

// nxFailStore simulates a store whose conditional set fails without
// installing a winner — the degenerate fallback path.
type nxFailStore struct {
	*memory.Store
	failures int
	mu       sync.Mutex
}

func (s *nxFailStore) SetActiveIfAbsent(ctx context.Context, instance, tokenID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
	return false, nil
}

func TestForceSetFallbackWhenNoWinnerVisible(t *testing.T) {
	st := &nxFailStore{Store: memory.New()}
	svc := NewService(st, "")
	ctx := context.Background()

	tok, _, created, err := svc.GetOrCreateConnectLink(ctx, "bot-a", "key-a", linkTTL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("fallback path must report the token as created")
	}
	if active, ok, _ := st.GetActive(ctx, "bot-a"); !ok || active != tok {
		t.Errorf("fallback must force-install the token, got (%q, %v)", active, ok)
	}
	if st.failures == 0 {
		t.Error("test wiring: conditional set was never attempted")
	}
}

func TestRaceLoserAdoptsWinnerAndDisposesOwnToken(t *testing.T) {
	st := memory.New()
	svc := NewService(st, "")
	ctx := context.Background()

	// Install a winner after the service's initial read would have missed
	// it, by pre-seeding the pointer directly.
	winner, err := st.CreateToken(ctx, linkTTL, store.TokenPayload{
		Page: store.PageConnect, Instance: "bot-a", APIKey: "key-a",
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	raced := &racingStore{Store: st, winner: winner}
	svc = NewService(raced, "")

	tok, _, created, err := svc.GetOrCreateConnectLink(ctx, "bot-a", "key-a", linkTTL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || tok != winner {
		t.Errorf("loser must adopt the winner: got (%q, created=%v), want %q", tok, created, winner)
	}

	ids, _ := st.ListTokenIDs(ctx)
	if len(ids) != 1 || ids[0] != winner {
		t.Errorf("loser's token must be deleted, got %v", ids)
	}
}

// racingStore installs the winner pointer just before the caller's
// conditional set runs, simulating a concurrent writer winning the race.
type racingStore struct {
	*memory.Store
	winner string
	once   sync.Once
}

func (s *racingStore) SetActiveIfAbsent(ctx context.Context, instance, tokenID string, ttl time.Duration) (bool, error) {
	s.once.Do(func() {
		s.Store.SetActive(ctx, instance, s.winner, ttl)
	})
	return s.Store.SetActiveIfAbsent(ctx, instance, tokenID, ttl)
}

func TestValidateToken(t *testing.T) {
	st := memory.New()
	svc := NewService(st, "")
	ctx := context.Background()

	connect, _ := st.CreateToken(ctx, time.Hour, store.TokenPayload{
		Page: store.PageConnect, Instance: "bot-a", APIKey: "key-a",
	}, false)
	other, _ := st.CreateToken(ctx, time.Hour, store.TokenPayload{
		Page: "admin", Instance: "bot-a",
	}, false)

	if payload, ok := svc.ValidateToken(ctx, connect); !ok || payload.Instance != "bot-a" {
		t.Errorf("connect token must validate, got (%+v, %v)", payload, ok)
	}
	if _, ok := svc.ValidateToken(ctx, other); ok {
		t.Error("non-connect token must not validate")
	}
	if _, ok := svc.ValidateToken(ctx, "missing"); ok {
		t.Error("missing token must not validate")
	}
	if _, ok := svc.ValidateToken(ctx, ""); ok {
		t.Error("empty token must not validate")
	}
}

func TestShortenAfterConnected(t *testing.T) {
	st := memory.New()
	now := time.Now()
	st.SetClock(func() time.Time { return now })
	svc := NewService(st, "")
	ctx := context.Background()

	tok, _, _, err := svc.GetOrCreateConnectLink(ctx, "bot-a", "key-a", linkTTL)
	if err != nil {
		t.Fatal(err)
	}

	svc.ShortenAfterConnected(ctx, tok, 30*time.Second)

	// Still valid within the shortened window.
	now = now.Add(10 * time.Second)
	if _, ok, _ := st.GetToken(ctx, tok); !ok {
		t.Error("token should remain valid shortly after shorten")
	}

	// Token and active pointer both gone after the window.
	now = now.Add(25 * time.Second)
	if _, ok, _ := st.GetToken(ctx, tok); ok {
		t.Error("token should expire after the shortened TTL")
	}
	if _, ok, _ := st.GetActive(ctx, "bot-a"); ok {
		t.Error("active pointer should expire with the token")
	}
}

func TestShortenAfterConnectedMissingTokenIsQuiet(t *testing.T) {
	svc := NewService(memory.New(), "")
	// Must not panic or error; the call is best-effort.
	svc.ShortenAfterConnected(context.Background(), "gone", 30*time.Second)
}

func TestCleanupOrphans(t *testing.T) {
	st := memory.New()
	svc := NewService(st, "")
	ctx := context.Background()

	mk := func(instance string) string {
		tok, _, _, err := svc.GetOrCreateConnectLink(ctx, instance, "key", linkTTL)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}
	tokA, tokB, tokC := mk("bot-a"), mk("bot-b"), mk("bot-c")

	// A token with an unparsable/empty payload is an orphan too.
	junk, _ := st.CreateToken(ctx, linkTTL, store.TokenPayload{}, false)

	removed := svc.CleanupOrphans(ctx, []string{"bot-a", "bot-c"})
	if removed != 3 { // bot-b pointer, bot-b token, junk token
		t.Errorf("expected 3 removals, got %d", removed)
	}

	for _, tt := range []struct {
		instance string
		token    string
		want     bool
	}{
		{"bot-a", tokA, true},
		{"bot-b", tokB, false},
		{"bot-c", tokC, true},
	} {
		if _, ok, _ := st.GetActive(ctx, tt.instance); ok != tt.want {
			t.Errorf("active %s: got %v, want %v", tt.instance, ok, tt.want)
		}
		if _, ok, _ := st.GetToken(ctx, tt.token); ok != tt.want {
			t.Errorf("token of %s: got %v, want %v", tt.instance, ok, tt.want)
		}
	}
	if _, ok, _ := st.GetToken(ctx, junk); ok {
		t.Error("payload-less token must be cleaned up")
	}
}

func TestBuildLink(t *testing.T) {
	if got := NewService(nil, "https://pair.example.com").BuildLink("abc"); got != "https://pair.example.com?t=abc" {
		t.Errorf("got %q", got)
	}
	if got := NewService(nil, "").BuildLink("abc"); got != "/?t=abc" {
		t.Errorf("got %q", got)
	}
}
