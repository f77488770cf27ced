package entitle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studydeck/entitle/pkg/entitle"
	"github.com/studydeck/entitle/storage/memory"
)

// fixedVerifier always expects the same answer, keeping the tests
// independent of the generated prompt.
type fixedVerifier struct{ answer string }

func (v *fixedVerifier) NewChallenge(typ entitle.ChallengeType) (string, string, error) {
	return "prove you are human", v.answer, nil
}

func (v *fixedVerifier) Verify(ch *entitle.ChallengeState, response string) bool {
	return response == ch.Answer
}

func newTestChallenges(t *testing.T) (*entitle.Challenges, *memory.Storage, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	store := memory.New()
	c := entitle.NewChallenges(store, &fixedVerifier{answer: "42"}, entitle.DefaultLimits(), clock.Now)
	return c, store, clock
}

func TestChallenge_IssueOmitsAnswer(t *testing.T) {
	c, _, clock := newTestChallenges(t)
	ctx := context.Background()

	ch, err := c.Issue(ctx, "user1", entitle.ChallengeArithmetic)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if ch.ChallengeID == "" {
		t.Errorf("missing challenge id")
	}
	if ch.Prompt == "" {
		t.Errorf("missing prompt")
	}
	if want := clock.Now().Add(10 * time.Minute); !ch.ExpiresAt.Equal(want) {
		t.Errorf("expiry %v, want %v", ch.ExpiresAt, want)
	}
}

func TestChallenge_CorrectAnswerClearsBlock(t *testing.T) {
	c, store, clock := newTestChallenges(t)
	ctx := context.Background()

	// The user starts out under a challenge-gated block.
	err := store.PutBlock(ctx, &entitle.BlockState{
		UserID:            "user1",
		BlockedUntil:      clock.Now().Add(24 * time.Hour),
		Reason:            "device_flagged",
		RequiresChallenge: true,
	})
	if err != nil {
		t.Fatalf("PutBlock failed: %v", err)
	}

	ch, err := c.Issue(ctx, "user1", entitle.ChallengeArithmetic)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	ok, err := c.Verify(ctx, ch.ChallengeID, "42")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatalf("correct answer rejected")
	}

	block, err := store.GetBlock(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if block != nil {
		t.Errorf("block survived a passed challenge")
	}

	// The challenge is single-use.
	if _, err := c.Verify(ctx, ch.ChallengeID, "42"); !errors.Is(err, entitle.ErrChallengeNotFound) {
		t.Errorf("expected ErrChallengeNotFound on reuse, got %v", err)
	}
}

func TestChallenge_ThreeFailuresConvertToBlock(t *testing.T) {
	c, store, clock := newTestChallenges(t)
	ctx := context.Background()

	ch, err := c.Issue(ctx, "user1", entitle.ChallengeArithmetic)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		ok, err := c.Verify(ctx, ch.ChallengeID, "wrong")
		if err != nil {
			t.Fatalf("Verify attempt %d errored: %v", i+1, err)
		}
		if ok {
			t.Fatalf("wrong answer accepted")
		}
	}

	block, err := store.GetBlock(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if block == nil {
		t.Fatalf("no block after exhausting challenge attempts")
	}
	if block.RequiresChallenge {
		t.Errorf("terminal block should not be challenge-gated")
	}
	if want := clock.Now().Add(24 * time.Hour); !block.BlockedUntil.Equal(want) {
		t.Errorf("block until %v, want %v", block.BlockedUntil, want)
	}

	// The consumed challenge is gone.
	if _, err := c.Verify(ctx, ch.ChallengeID, "42"); !errors.Is(err, entitle.ErrChallengeNotFound) {
		t.Errorf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallenge_ExpiredChallengeFails(t *testing.T) {
	c, _, clock := newTestChallenges(t)
	ctx := context.Background()

	ch, err := c.Issue(ctx, "user1", entitle.ChallengePhrase)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	clock.Advance(11 * time.Minute)
	ok, err := c.Verify(ctx, ch.ChallengeID, "42")
	if !errors.Is(err, entitle.ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got ok=%v err=%v", ok, err)
	}

	// Expired challenges are purged on sight.
	if _, err := c.Verify(ctx, ch.ChallengeID, "42"); !errors.Is(err, entitle.ErrChallengeNotFound) {
		t.Errorf("expected ErrChallengeNotFound after purge, got %v", err)
	}
}

func TestChallenge_UnknownIDRejected(t *testing.T) {
	c, _, _ := newTestChallenges(t)

	if _, err := c.Verify(context.Background(), "no-such-id", "42"); !errors.Is(err, entitle.ErrChallengeNotFound) {
		t.Errorf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestArithmeticVerifier_GeneratesSolvableProblems(t *testing.T) {
	v := &entitle.ArithmeticVerifier{}

	prompt, answer, err := v.NewChallenge(entitle.ChallengeArithmetic)
	if err != nil {
		t.Fatalf("NewChallenge failed: %v", err)
	}
	if prompt == "" || answer == "" {
		t.Fatalf("empty prompt or answer")
	}

	state := &entitle.ChallengeState{Answer: answer}
	if !v.Verify(state, answer) {
		t.Errorf("verifier rejected its own answer")
	}
	if !v.Verify(state, "  "+answer+" ") {
		t.Errorf("surrounding whitespace should be tolerated")
	}
	if v.Verify(state, answer+"1") {
		t.Errorf("wrong answer accepted")
	}

	if _, _, err := v.NewChallenge(entitle.ChallengeType("riddle")); err == nil {
		t.Errorf("unknown challenge type accepted")
	}
}
