package pow

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicbot/governor/internal/apperr"
	"github.com/civicbot/governor/internal/storage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time         { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func tempAdmission(t *testing.T, difficulty int) (*Admission, *fakeClock) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "pow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a, err := NewAdmission(db, Config{Difficulty: difficulty, ChallengeTTL: 5 * time.Minute}, WithClock(clock.Now))
	require.NoError(t, err)
	return a, clock
}

func solve(t *testing.T, challenge string, difficulty int) Proof {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, ok := Solve(ctx, challenge, difficulty)
	require.True(t, ok, "solve timed out")
	return p
}

// #region verify

func TestHashIsLowercaseHexOfConcatenation(t *testing.T) {
	h := Hash("abc", "")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
	assert.Equal(t, Hash("ab", "c"), h)
}

func TestVerify(t *testing.T) {
	p := solve(t, "challenge-1", 2)
	assert.True(t, strings.HasPrefix(p.Hash, "00"))
	assert.True(t, Verify(p.Challenge, p.Nonce, p.Hash, 2))
	assert.True(t, Verify(p.Challenge, p.Nonce, p.Hash, 0))

	assert.False(t, Verify(p.Challenge, p.Nonce+"x", p.Hash, 2), "nonce changed")
	assert.False(t, Verify("challenge-2", p.Nonce, p.Hash, 2), "challenge changed")
	assert.False(t, Verify(p.Challenge, p.Nonce, strings.ToUpper(p.Hash), 2), "uppercase hash")
	assert.False(t, Verify(p.Challenge, p.Nonce, p.Hash[:10], 2), "truncated hash")
	assert.False(t, Verify("", p.Nonce, p.Hash, 2))
	assert.False(t, Verify(p.Challenge, p.Nonce, p.Hash, 65))
}

func TestVerifyDifficultyBoundary(t *testing.T) {
	p := solve(t, "boundary", 1)
	zeros := len(p.Hash) - len(strings.TrimLeft(p.Hash, "0"))
	assert.True(t, Verify(p.Challenge, p.Nonce, p.Hash, zeros))
	assert.False(t, Verify(p.Challenge, p.Nonce, p.Hash, zeros+1))
}

func TestSolveHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := Solve(ctx, "never", 64)
	assert.False(t, ok)
}

// #endregion verify

// #region admission

func TestAdmitAcceptsValidProofOnce(t *testing.T) {
	a, _ := tempAdmission(t, 2)
	ctx := context.Background()

	c, err := a.IssueChallenge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Difficulty)
	assert.Equal(t, 5*time.Minute, c.ExpiresAt.Sub(c.IssuedAt))

	p := solve(t, c.Challenge, c.Difficulty)
	require.NoError(t, a.Admit(ctx, p))

	err = a.Admit(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChallengeUsed)
	assert.ErrorIs(t, err, ErrInvalidProof)
	assert.Equal(t, apperr.KindRejected, apperr.KindOf(err))
	assert.Equal(t, InvalidProofMessage, apperr.MessageOf(err))
}

func TestAdmitDefaultDifficulty(t *testing.T) {
	a, _ := tempAdmission(t, DefaultDifficulty)
	ctx := context.Background()
	c, err := a.IssueChallenge(ctx)
	require.NoError(t, err)

	p := solve(t, c.Challenge, DefaultDifficulty)
	assert.True(t, strings.HasPrefix(p.Hash, "0000"))
	assert.NoError(t, a.Admit(ctx, p))
}

func TestAdmitReplayCheckedBeforeHash(t *testing.T) {
	a, _ := tempAdmission(t, 1)
	ctx := context.Background()
	c, _ := a.IssueChallenge(ctx)
	p := solve(t, c.Challenge, 1)
	require.NoError(t, a.Admit(ctx, p))

	bogus := Proof{Challenge: c.Challenge, Nonce: "whatever", Hash: strings.Repeat("f", 64)}
	assert.ErrorIs(t, a.Admit(ctx, bogus), ErrChallengeUsed)
}

func TestAdmitRejections(t *testing.T) {
	a, clock := tempAdmission(t, 2)
	ctx := context.Background()

	t.Run("unknown challenge", func(t *testing.T) {
		p := solve(t, "forged-challenge", 2)
		assert.ErrorIs(t, a.Admit(ctx, p), ErrUnknownChallenge)
	})

	t.Run("hash mismatch leaves challenge usable", func(t *testing.T) {
		c, _ := a.IssueChallenge(ctx)
		p := solve(t, c.Challenge, 2)
		bad := p
		bad.Nonce = p.Nonce + "0"
		assert.ErrorIs(t, a.Admit(ctx, bad), ErrHashMismatch)
		assert.NoError(t, a.Admit(ctx, p))
	})

	t.Run("insufficient difficulty", func(t *testing.T) {
		c, _ := a.IssueChallenge(ctx)
		var p Proof
		for i := 0; ; i++ {
			nonce := strings.Repeat("n", i)
			h := Hash(c.Challenge, nonce)
			if !strings.HasPrefix(h, "00") {
				p = Proof{Challenge: c.Challenge, Nonce: nonce, Hash: h}
				break
			}
		}
		err := a.Admit(ctx, p)
		assert.ErrorIs(t, err, ErrDifficulty)
		assert.Equal(t, InvalidProofMessage, apperr.MessageOf(err))
	})

	t.Run("expired", func(t *testing.T) {
		c, _ := a.IssueChallenge(ctx)
		p := solve(t, c.Challenge, 2)
		clock.Advance(5 * time.Minute)
		assert.ErrorIs(t, a.Admit(ctx, p), ErrChallengeExpired)
	})
}

func TestPurgeExpiredKeepsConsumed(t *testing.T) {
	a, clock := tempAdmission(t, 1)
	ctx := context.Background()

	used, _ := a.IssueChallenge(ctx)
	require.NoError(t, a.Admit(ctx, solve(t, used.Challenge, 1)))
	_, _ = a.IssueChallenge(ctx)
	_, _ = a.IssueChallenge(ctx)

	clock.Advance(time.Hour)
	n, err := a.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.ErrorIs(t, a.Admit(ctx, solve(t, used.Challenge, 1)), ErrChallengeUsed)
}

// #endregion admission
