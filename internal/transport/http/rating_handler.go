package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "keygate/internal/errors"
	"keygate/internal/rating"
)

// Voter is the aggregator surface the handler depends on
type Voter interface {
	Vote(ctx context.Context, username, choice string) (*rating.VoteResult, error)
	Rating(ctx context.Context) (likes, dislikes int)
}

// RatingHandler handles POST /rate and GET /rating
type RatingHandler struct {
	aggregator Voter
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewRatingHandler creates a rating handler
func NewRatingHandler(aggregator Voter, logger *slog.Logger) *RatingHandler {
	return &RatingHandler{
		aggregator: aggregator,
		logger:     logger.With(slog.String("handler", "rating")),
		validate:   validator.New(),
	}
}

// RateRequest is the vote submission payload
type RateRequest struct {
	Username string `json:"username" validate:"required"`
	Vote     string `json:"vote" validate:"required,oneof=like dislike"`
}

// RateResponse is the envelope returned after a vote is recorded
type RateResponse struct {
	IsError  bool   `json:"error"`
	Likes    int    `json:"likes"`
	Dislikes int    `json:"dislikes"`
	YourVote string `json:"your_vote"`
}

// RatingResponse is the read-only tally projection
type RatingResponse struct {
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
}

// Rate handles POST /rate
func (h *RatingHandler) Rate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.BadRequest("Invalid vote"))
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		// A missing or unknown choice is an invalid vote; a missing
		// username is an unknown voter.
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Field() == "Username" {
			render.Render(w, r, apierrors.Forbidden("Invalid user"))
			return
		}
		render.Render(w, r, apierrors.BadRequest("Invalid vote"))
		return
	}

	result, err := h.aggregator.Vote(ctx, req.Username, req.Vote)
	if err != nil {
		switch {
		case errors.Is(err, rating.ErrInvalidVote):
			render.Render(w, r, apierrors.BadRequest("Invalid vote"))
		case errors.Is(err, rating.ErrInvalidUser):
			render.Render(w, r, apierrors.Forbidden("Invalid user"))
		default:
			h.logger.ErrorContext(ctx, "vote failed",
				slog.String("username", req.Username),
				slog.String("error", err.Error()))
			render.Render(w, r, apierrors.Internal())
		}
		return
	}

	render.JSON(w, r, &RateResponse{
		Likes:    result.Likes,
		Dislikes: result.Dislikes,
		YourVote: result.YourVote,
	})
}

// Rating handles GET /rating
func (h *RatingHandler) Rating(w http.ResponseWriter, r *http.Request) {
	likes, dislikes := h.aggregator.Rating(r.Context())
	render.JSON(w, r, &RatingResponse{Likes: likes, Dislikes: dislikes})
}
