package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/observability"
)

// Broadcaster pushes review events to the sessions currently editing a
// document; the coordinator registry satisfies it.
type Broadcaster interface {
	Fanout(ctx context.Context, documentID string, event models.Event) (int, error)
}

// CreateReviewRequest is the input to Service.CreateReview
type CreateReviewRequest struct {
	DocumentID  string     `json:"document_id"`
	CreatorID   string     `json:"creator_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	ReviewerIDs []string   `json:"reviewer_ids"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

// CommentInput is the input to Service.AddComment
type CommentInput struct {
	TargetElementID string  `json:"target_element_id,omitempty"`
	Body            string  `json:"body"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
}

const hotReviewCacheSize = 512

// Service implements the design review workflow: creation, commenting
// with authorization, comment resolution and closing. Live sessions of
// the document hear about review activity through the broadcaster.
type Service struct {
	repo        Repository
	broadcaster Broadcaster
	notifier    Notifier
	hot         *lru.Cache[string, *models.DesignReview]
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewService creates the review service. A nil notifier disables
// out-of-band notifications; a nil broadcaster disables live fanout.
func NewService(
	repo Repository,
	broadcaster Broadcaster,
	notifier Notifier,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Service, error) {
	if repo == nil {
		return nil, errors.New("review repository is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	hot, err := lru.New[string, *models.DesignReview](hotReviewCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create review cache")
	}

	return &Service{
		repo:        repo,
		broadcaster: broadcaster,
		notifier:    newRetryingNotifier(notifier, logger, metrics),
		hot:         hot,
		logger:      logger.WithPrefix("review.service"),
		metrics:     metrics,
	}, nil
}

// CreateReview opens a review on a document and notifies the named
// reviewers.
func (s *Service) CreateReview(ctx context.Context, req CreateReviewRequest) (*models.DesignReview, error) {
	if req.DocumentID == "" || req.CreatorID == "" {
		return nil, errors.Wrap(models.ErrInvalidOperation, "document id and creator id are required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.Wrap(models.ErrInvalidOperation, "review title is required")
	}

	now := time.Now().UTC()
	review := &models.DesignReview{
		ID:          uuid.New().String(),
		DocumentID:  req.DocumentID,
		CreatorID:   req.CreatorID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		ReviewerIDs: dedupe(req.ReviewerIDs),
		Status:      models.ReviewStatusOpen,
		DueAt:       req.DueAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		Comments:    []*models.Comment{},
	}

	if err := s.repo.CreateReview(ctx, review); err != nil {
		return nil, err
	}
	s.hot.Add(review.ID, review)
	s.metrics.IncrementCounter("reviews_created", 1)
	s.logger.Info("Review created", map[string]interface{}{
		"review_id":   review.ID,
		"document_id": review.DocumentID,
		"creator_id":  review.CreatorID,
		"reviewers":   len(review.ReviewerIDs),
	})

	s.broadcast(ctx, review.DocumentID, models.ReviewCreatedEvent{Review: review})
	s.notifyReviewers(review)
	return review, nil
}

// GetReview loads a review with its comments
func (s *Service) GetReview(ctx context.Context, reviewID string) (*models.DesignReview, error) {
	if review, ok := s.hot.Get(reviewID); ok {
		return review, nil
	}
	review, err := s.repo.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	s.hot.Add(reviewID, review)
	return review, nil
}

// ListReviews lists a document's reviews, newest first, without their
// comment threads.
func (s *Service) ListReviews(ctx context.Context, documentID string) ([]*models.DesignReview, error) {
	if documentID == "" {
		return nil, errors.Wrap(models.ErrInvalidOperation, "document id is required")
	}
	return s.repo.ListReviews(ctx, documentID)
}

// AddComment appends a comment to an open review. Only the review's
// creator and reviewers may comment.
func (s *Service) AddComment(ctx context.Context, reviewID, actorID string, input CommentInput) (*models.Comment, error) {
	if strings.TrimSpace(input.Body) == "" {
		return nil, errors.Wrap(models.ErrInvalidOperation, "comment body is required")
	}

	review, err := s.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if !review.CanComment(actorID) {
		return nil, errors.Wrapf(models.ErrNotAuthorized, "user %s is not a participant of review %s", actorID, reviewID)
	}
	if review.Status == models.ReviewStatusClosed {
		return nil, errors.Wrapf(models.ErrInvalidOperation, "review %s is closed", reviewID)
	}

	comment := &models.Comment{
		ID:              uuid.New().String(),
		ReviewID:        reviewID,
		AuthorID:        actorID,
		TargetElementID: input.TargetElementID,
		Body:            input.Body,
		X:               input.X,
		Y:               input.Y,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.repo.AddComment(ctx, comment); err != nil {
		return nil, err
	}
	s.hot.Remove(reviewID)
	s.metrics.IncrementCounter("review_comments_added", 1)

	s.broadcast(ctx, review.DocumentID, models.ReviewCommentEvent{ReviewID: reviewID, Comment: comment})
	return comment, nil
}

// ResolveComment marks a comment resolved. Resolving an already
// resolved comment succeeds without rebroadcasting.
func (s *Service) ResolveComment(ctx context.Context, reviewID, actorID, commentID string) (*models.Comment, error) {
	review, err := s.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if !review.CanComment(actorID) {
		return nil, errors.Wrapf(models.ErrNotAuthorized, "user %s is not a participant of review %s", actorID, reviewID)
	}

	comment, changed, err := s.repo.ResolveComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.ReviewID != reviewID {
		return nil, errors.Wrapf(models.ErrNotFound, "comment %s does not belong to review %s", commentID, reviewID)
	}
	if !changed {
		return comment, nil
	}

	s.hot.Remove(reviewID)
	s.metrics.IncrementCounter("review_comments_resolved", 1)
	s.broadcast(ctx, review.DocumentID, models.ReviewCommentEvent{ReviewID: reviewID, Comment: comment})
	return comment, nil
}

// CloseReview transitions a review to closed. Only the creator may
// close it; closing a closed review is a no-op.
func (s *Service) CloseReview(ctx context.Context, reviewID, actorID string) (*models.DesignReview, error) {
	review, err := s.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if actorID != review.CreatorID {
		return nil, errors.Wrapf(models.ErrNotAuthorized, "only the creator may close review %s", reviewID)
	}
	if review.Status == models.ReviewStatusClosed {
		return review, nil
	}

	if err := s.repo.UpdateReviewStatus(ctx, reviewID, models.ReviewStatusClosed); err != nil {
		return nil, err
	}
	s.hot.Remove(reviewID)
	s.metrics.IncrementCounter("reviews_closed", 1)
	s.logger.Info("Review closed", map[string]interface{}{
		"review_id":   reviewID,
		"document_id": review.DocumentID,
	})

	closed, err := s.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, closed.DocumentID, models.ReviewStatusEvent{ReviewID: reviewID, Status: closed.Status})
	return closed, nil
}

// broadcast pushes a review event to the document's live sessions; a
// document with nobody editing is not an error.
func (s *Service) broadcast(ctx context.Context, documentID string, event models.Event) {
	if s.broadcaster == nil {
		return
	}
	n, err := s.broadcaster.Fanout(ctx, documentID, event)
	if err != nil {
		s.logger.Warn("Review event fanout failed", map[string]interface{}{
			"document_id": documentID,
			"event":       event.EventName(),
			"error":       err.Error(),
		})
		return
	}
	s.logger.Debug("Review event broadcast", map[string]interface{}{
		"document_id": documentID,
		"event":       event.EventName(),
		"sessions":    n,
	})
}

// notifyReviewers delivers creation notices off the request path
func (s *Service) notifyReviewers(review *models.DesignReview) {
	subject := fmt.Sprintf("Review requested: %s", review.Title)
	body := fmt.Sprintf("%s asked you to review document %s", review.CreatorID, review.DocumentID)
	for _, reviewerID := range review.ReviewerIDs {
		go func(userID string) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = s.notifier.Notify(ctx, userID, subject, body)
		}(reviewerID)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
