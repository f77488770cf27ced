package entitle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChallengeVerifier generates and checks challenge payloads. The
// challenge gates abuse friction, not security, so implementations
// need not be cryptographically strong; they must only be
// non-constant so they cannot be hardcoded around.
type ChallengeVerifier interface {
	// NewChallenge returns the prompt shown to the user and the
	// expected answer kept server-side.
	NewChallenge(typ ChallengeType) (prompt, answer string, err error)

	// Verify checks a response against the stored challenge.
	Verify(ch *ChallengeState, response string) bool
}

// ArithmeticVerifier issues small addition problems. For
// ChallengePhrase it asks the user to type back a short phrase.
type ArithmeticVerifier struct{}

var phrases = []string{
	"keep on learning",
	"practice makes progress",
	"one card at a time",
}

func (v *ArithmeticVerifier) NewChallenge(typ ChallengeType) (string, string, error) {
	switch typ {
	case ChallengeArithmetic:
		a := rand.IntN(90) + 10
		b := rand.IntN(90) + 10
		return fmt.Sprintf("What is %d + %d?", a, b), strconv.Itoa(a + b), nil
	case ChallengePhrase:
		p := phrases[rand.IntN(len(phrases))]
		return fmt.Sprintf("Type the phrase: %q", p), p, nil
	default:
		return "", "", fmt.Errorf("unknown challenge type %q", typ)
	}
}

func (v *ArithmeticVerifier) Verify(ch *ChallengeState, response string) bool {
	return strings.TrimSpace(response) == ch.Answer
}

// Challenges is the challenge/block state machine. A user moves
// NONE -> CHALLENGED on issue; a correct response clears the challenge
// and any block; failures accumulate until the threshold converts the
// challenge into a temporary block.
type Challenges struct {
	storage  Storage
	verifier ChallengeVerifier
	limits   Limits
	clock    func() time.Time
	logger   Logger
}

// NewChallenges creates the state machine over the given storage.
func NewChallenges(storage Storage, verifier ChallengeVerifier, limits Limits, clock func() time.Time) *Challenges {
	if verifier == nil {
		verifier = &ArithmeticVerifier{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Challenges{
		storage:  storage,
		verifier: verifier,
		limits:   limits,
		clock:    clock,
		logger:   &NoopLogger{},
	}
}

// Issue creates a new challenge for the user with a short expiry.
func (c *Challenges) Issue(ctx context.Context, userID string, typ ChallengeType) (*Challenge, error) {
	prompt, answer, err := c.verifier.NewChallenge(typ)
	if err != nil {
		return nil, err
	}

	now := c.clock()
	state := &ChallengeState{
		ChallengeID: uuid.NewString(),
		UserID:      userID,
		Type:        typ,
		Prompt:      prompt,
		Answer:      answer,
		IssuedAt:    now,
		ExpiresAt:   now.Add(c.limits.ChallengeTTL),
	}
	if err := c.storage.PutChallenge(ctx, state); err != nil {
		return nil, err
	}

	c.logger.Info("challenge issued",
		Field{Key: "user_id", Value: userID},
		Field{Key: "challenge_id", Value: state.ChallengeID},
		Field{Key: "type", Value: string(typ)})

	return &Challenge{
		ChallengeID: state.ChallengeID,
		Type:        typ,
		Prompt:      prompt,
		ExpiresAt:   state.ExpiresAt,
	}, nil
}

// Verify checks a response. Expired challenges always fail and are
// purged. A correct response removes the challenge and clears any
// block on the user. An incorrect response increments the failure
// count; at the threshold the challenge converts into a block.
func (c *Challenges) Verify(ctx context.Context, challengeID, response string) (bool, error) {
	state, err := c.storage.GetChallenge(ctx, challengeID)
	if err != nil {
		return false, err
	}

	now := c.clock()
	if now.After(state.ExpiresAt) {
		_ = c.storage.DeleteChallenge(ctx, challengeID)
		return false, ErrChallengeExpired
	}

	if c.verifier.Verify(state, response) {
		if err := c.storage.DeleteChallenge(ctx, challengeID); err != nil {
			return false, err
		}
		if err := c.storage.DeleteBlock(ctx, state.UserID); err != nil {
			c.logger.Warn("block clear failed",
				Field{Key: "user_id", Value: state.UserID}, Field{Key: "error", Value: err})
		}
		c.logger.Info("challenge passed",
			Field{Key: "user_id", Value: state.UserID},
			Field{Key: "challenge_id", Value: challengeID})
		return true, nil
	}

	state.FailureCount++
	if state.FailureCount >= c.limits.ChallengeMaxFailures {
		// Terminal failure: the challenge becomes a block.
		if err := c.storage.PutBlock(ctx, &BlockState{
			UserID:            state.UserID,
			BlockedUntil:      now.Add(c.limits.ChallengeBlockDuration),
			Reason:            "challenge_failures",
			RequiresChallenge: false,
		}); err != nil {
			return false, err
		}
		_ = c.storage.DeleteChallenge(ctx, challengeID)
		c.logger.Warn("challenge escalated to block",
			Field{Key: "user_id", Value: state.UserID},
			Field{Key: "challenge_id", Value: challengeID})
		return false, nil
	}

	if err := c.storage.PutChallenge(ctx, state); err != nil {
		return false, err
	}
	return false, nil
}
