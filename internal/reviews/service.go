// Package reviews collects client ratings of completed work and keeps each
// technician's recent rating current.
package reviews

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"depanne-service/internal/requests"
	"depanne-service/pkg/apperr"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/validation"
)

// RecentWindow is how many of the newest reviews make up the recent rating.
const RecentWindow = 20

// Requests loads requests without authorisation checks.
type Requests interface {
	Load(ctx context.Context, id string) (*requests.Request, error)
}

// Ratings receives recomputed technician ratings.
type Ratings interface {
	SetRating(ctx context.Context, technicianID string, rating float64) error
}

type Service struct {
	store   Store
	reqs    Requests
	ratings Ratings
	clock   clock.Clock
}

func NewService(store Store, reqs Requests, ratings Ratings, clk clock.Clock) *Service {
	return &Service{store: store, reqs: reqs, ratings: ratings, clock: clk}
}

// Submit records the client's review of a completed request and refreshes
// the technician's recent rating.
func (s *Service) Submit(ctx context.Context, p jwt.Principal, requestID string, req SubmitRequest) (*Review, error) {
	if p.Role != jwt.RoleClient {
		return nil, apperr.Forbidden("only clients review work")
	}
	if !validation.ValidateRating(req.Rating) {
		return nil, apperr.Validation("rating must be between 1 and 5")
	}
	comment := strings.TrimSpace(req.Comment)
	if comment != "" && !validation.ValidateText(comment, 1000) {
		return nil, apperr.Validation("comment is too long")
	}

	r, err := s.reqs.Load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.ClientID != p.ID {
		return nil, apperr.Forbidden("not your request")
	}
	if r.Status != requests.StatusCompleted || r.TechnicianID() == "" {
		return nil, apperr.Conflict("only completed requests can be reviewed")
	}

	review := &Review{
		ID:           uuid.NewString(),
		RequestID:    r.ID,
		TechnicianID: r.TechnicianID(),
		ClientID:     p.ID,
		Rating:       req.Rating,
		Comment:      comment,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.store.Create(ctx, review); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperr.Conflict("request already reviewed")
		}
		return nil, apperr.Internal(err)
	}

	if err := s.refresh(ctx, review.TechnicianID); err != nil {
		log.Printf("[reviews] refresh rating of %s: %v", review.TechnicianID, err)
	}
	return review, nil
}

func (s *Service) refresh(ctx context.Context, technicianID string) error {
	recent, err := s.store.ListForTechnician(ctx, technicianID, RecentWindow)
	if err != nil {
		return err
	}
	return s.ratings.SetRating(ctx, technicianID, RecentRating(recent))
}

// RecentRating is the mean of the given ratings rounded to two decimals,
// or 0 with no reviews.
func RecentRating(rs []Review) float64 {
	if len(rs) == 0 {
		return 0
	}
	sum := 0
	for _, r := range rs {
		sum += r.Rating
	}
	return math.Round(float64(sum)/float64(len(rs))*100) / 100
}

// ListForTechnician returns a technician's newest reviews.
func (s *Service) ListForTechnician(ctx context.Context, technicianID string, limit int) ([]Review, error) {
	if limit <= 0 || limit > 100 {
		limit = RecentWindow
	}
	out, err := s.store.ListForTechnician(ctx, technicianID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}
