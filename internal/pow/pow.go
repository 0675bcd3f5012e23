// Package pow implements the proof-of-work gate that admits community votes.
// A client fetches a server-issued challenge, searches for a nonce such that
// hex(SHA-256(challenge || nonce)) starts with Difficulty '0' characters, and
// submits the triple. Each challenge is consumed at most once.
//
// The gate raises the cost of automated submissions. It says nothing about
// who submitted a vote.
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// DefaultDifficulty is the number of leading zero hex characters required.
const DefaultDifficulty = 4

// #region proof

// Proof is a client's solution.
type Proof struct {
	Challenge string `json:"challenge" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	Hash      string `json:"hash" binding:"required"`
}

// #endregion proof

// #region verify

// Hash returns lowercase hex SHA-256 of challenge followed by nonce.
func Hash(challenge, nonce string) string {
	sum := sha256.Sum256([]byte(challenge + nonce))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether hash is the digest of challenge||nonce and carries
// at least difficulty leading '0' characters. It has no side effects.
func Verify(challenge, nonce, hash string, difficulty int) bool {
	if challenge == "" || len(hash) != sha256.Size*2 {
		return false
	}
	if hash != Hash(challenge, nonce) {
		return false
	}
	return meetsDifficulty(hash, difficulty)
}

func meetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > len(hash) {
		return false
	}
	return strings.Count(hash[:difficulty], "0") == difficulty
}

// #endregion verify

// #region solve

// Solve brute-forces a nonce for challenge by counting up from zero. It
// returns false if ctx ends first. Used by the CLI and tests; real clients
// solve in the browser.
func Solve(ctx context.Context, challenge string, difficulty int) (Proof, bool) {
	for i := uint64(0); ; i++ {
		if i%4096 == 0 && ctx.Err() != nil {
			return Proof{}, false
		}
		nonce := strconv.FormatUint(i, 10)
		h := Hash(challenge, nonce)
		if meetsDifficulty(h, difficulty) {
			return Proof{Challenge: challenge, Nonce: nonce, Hash: h}, true
		}
	}
}

// #endregion solve
