package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/civicbot/governor/internal/debate"
)

type createDebateRequest struct {
	Question string   `json:"question" binding:"required"`
	Options  []string `json:"options" binding:"required,min=2"`
}

// #region pow

func (h *handlers) issueChallenge(c *gin.Context) {
	ch, err := h.deps.Challenges.IssueChallenge(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h *handlers) submitVote(c *gin.Context) {
	var req debate.VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	v, err := h.deps.Debates.SubmitVote(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "voterId": v.VoterID})
}

// #endregion pow

// #region debates

func (h *handlers) createDebate(c *gin.Context) {
	var req createDebateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	d, err := h.deps.Debates.Create(c.Request.Context(), req.Question, req.Options)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *handlers) listDebates(c *gin.Context) {
	ds, err := h.deps.Debates.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if ds == nil {
		ds = []debate.Debate{}
	}
	c.JSON(http.StatusOK, ds)
}

func (h *handlers) getDebate(c *gin.Context) {
	h.respondDebate(c, h.deps.Debates.Get)
}

func (h *handlers) conductRound(c *gin.Context) {
	h.respondDebate(c, h.deps.Debates.ConductRound)
}

func (h *handlers) closeDebate(c *gin.Context) {
	h.respondDebate(c, h.deps.Debates.Close)
}

func (h *handlers) respondDebate(c *gin.Context, fn func(ctx context.Context, id string) (debate.Debate, error)) {
	d, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// #endregion debates
