package rating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Valid vote choices
const (
	VoteLike    = "like"
	VoteDislike = "dislike"
)

var (
	// ErrInvalidVote is returned for a choice that is neither like nor dislike
	ErrInvalidVote = errors.New("invalid vote")
	// ErrInvalidUser is returned when the voter has no license record
	ErrInvalidUser = errors.New("invalid user")
)

// Store is the backend surface the aggregator needs
type Store interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte) error
}

// UserChecker answers whether a username has an existing license record.
// Voting requires a known identity.
type UserChecker interface {
	Exists(ctx context.Context, username string) bool
}

// Tally is the shared like/dislike aggregate. Votes maps each username to
// its single current choice; after every update Likes and Dislikes equal
// the counts of like/dislike values in Votes.
type Tally struct {
	Likes    int               `json:"likes"`
	Dislikes int               `json:"dislikes"`
	Votes    map[string]string `json:"votes"`
}

// VoteResult is returned to the caller after a vote is recorded
type VoteResult struct {
	Likes    int
	Dislikes int
	YourVote string
}

// Aggregator maintains the shared tally record. A single in-process mutex
// serializes the read-modify-write cycle so concurrent votes cannot lose
// updates against each other.
type Aggregator struct {
	store     Store
	users     UserChecker
	logger    *slog.Logger
	tallyPath string
	votes     metric.Int64Counter

	mu sync.Mutex
}

// NewAggregator creates a vote aggregator persisting at tallyPath.
// votes counts accepted votes; nil disables it.
func NewAggregator(store Store, users UserChecker, tallyPath string, votes metric.Int64Counter, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:     store,
		users:     users,
		logger:    logger.With(slog.String("component", "rating_aggregator")),
		tallyPath: tallyPath,
		votes:     votes,
	}
}

// Vote records username's current choice. A repeated identical vote nets
// to an unchanged tally; a changed vote moves one count to the other.
func (a *Aggregator) Vote(ctx context.Context, username, choice string) (*VoteResult, error) {
	if choice != VoteLike && choice != VoteDislike {
		return nil, ErrInvalidVote
	}
	if !a.users.Exists(ctx, username) {
		return nil, ErrInvalidUser
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tally := a.load(ctx)

	if previous, ok := tally.Votes[username]; ok {
		switch previous {
		case VoteLike:
			if tally.Likes > 0 {
				tally.Likes--
			}
		case VoteDislike:
			if tally.Dislikes > 0 {
				tally.Dislikes--
			}
		}
	}

	tally.Votes[username] = choice
	if choice == VoteLike {
		tally.Likes++
	} else {
		tally.Dislikes++
	}

	if err := a.persist(ctx, tally); err != nil {
		return nil, fmt.Errorf("persisting tally: %w", err)
	}

	if a.votes != nil {
		a.votes.Add(ctx, 1,
			metric.WithAttributes(attribute.String("vote", choice)))
	}

	a.logger.InfoContext(ctx, "vote recorded",
		slog.String("username", username),
		slog.String("vote", choice),
		slog.Int("likes", tally.Likes),
		slog.Int("dislikes", tally.Dislikes))

	return &VoteResult{Likes: tally.Likes, Dislikes: tally.Dislikes, YourVote: choice}, nil
}

// Rating returns the current counts. An unreadable tally reads as zeros.
func (a *Aggregator) Rating(ctx context.Context) (likes, dislikes int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tally := a.load(ctx)
	return tally.Likes, tally.Dislikes
}

// load fetches and decodes the shared tally, creating an empty one when
// the record is absent or unreadable.
func (a *Aggregator) load(ctx context.Context) *Tally {
	tally := &Tally{Votes: make(map[string]string)}

	data, err := a.store.Download(ctx, a.tallyPath)
	if err != nil {
		a.logger.DebugContext(ctx, "tally unreadable, starting from zeros",
			slog.String("path", a.tallyPath),
			slog.String("error", err.Error()))
		return tally
	}

	if err := json.Unmarshal(data, tally); err != nil {
		a.logger.WarnContext(ctx, "tally record corrupt, starting from zeros",
			slog.String("path", a.tallyPath),
			slog.String("error", err.Error()))
		return &Tally{Votes: make(map[string]string)}
	}
	if tally.Votes == nil {
		tally.Votes = make(map[string]string)
	}
	return tally
}

func (a *Aggregator) persist(ctx context.Context, tally *Tally) error {
	data, err := json.Marshal(tally)
	if err != nil {
		return err
	}
	return a.store.Upload(ctx, a.tallyPath, data)
}
