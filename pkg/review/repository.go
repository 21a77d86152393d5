package review

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/designmesh/collab/pkg/common/cache"
	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/observability"
)

// Repository is the persistence boundary for design reviews
type Repository interface {
	CreateReview(ctx context.Context, review *models.DesignReview) error
	GetReview(ctx context.Context, reviewID string) (*models.DesignReview, error)
	ListReviews(ctx context.Context, documentID string) ([]*models.DesignReview, error)
	UpdateReviewStatus(ctx context.Context, reviewID string, status models.ReviewStatus) error
	AddComment(ctx context.Context, comment *models.Comment) error
	ResolveComment(ctx context.Context, commentID string) (*models.Comment, bool, error)
}

// reviewRow carries the array column sqlx cannot scan into the model
// directly
type reviewRow struct {
	models.DesignReview
	Reviewers pq.StringArray `db:"reviewer_ids"`
}

// postgresRepository implements Repository on Postgres with a
// cache-aside read path and a circuit breaker around every query.
type postgresRepository struct {
	db       *sqlx.DB
	cache    cache.Cache
	breaker  *gobreaker.CircuitBreaker
	cacheTTL time.Duration
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewPostgresRepository creates the Postgres-backed review repository.
// The cache may be nil; reads then always hit the database.
func NewPostgresRepository(db *sqlx.DB, c cache.Cache, logger observability.Logger, metrics observability.MetricsClient) Repository {
	r := &postgresRepository{
		db:       db,
		cache:    c,
		cacheTTL: 5 * time.Minute,
		logger:   logger.WithPrefix("review.repository"),
		metrics:  metrics,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "review_repository",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
			metrics.IncrementCounterWithLabels("circuit_breaker_transitions", 1,
				map[string]string{"name": name, "to": to.String()})
		},
	})
	return r
}

func (r *postgresRepository) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	result, err := r.breaker.Execute(fn)
	r.metrics.RecordDuration("review_repository_query", time.Since(start))
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrapf(models.ErrDocumentUnavailable, "review store rejected %s", op)
	}
	return result, err
}

func reviewCacheKey(reviewID string) string {
	return fmt.Sprintf("review:%s", reviewID)
}

func (r *postgresRepository) CreateReview(ctx context.Context, review *models.DesignReview) error {
	_, err := r.execute("create_review", func() (interface{}, error) {
		query := `
			INSERT INTO design_reviews (
				id, document_id, creator_id, title, description,
				reviewer_ids, status, due_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		_, err := r.db.ExecContext(ctx, query,
			review.ID, review.DocumentID, review.CreatorID, review.Title,
			review.Description, pq.Array(review.ReviewerIDs), review.Status,
			review.DueAt, review.CreatedAt, review.UpdatedAt)
		return nil, errors.Wrap(err, "failed to insert review")
	})
	if err != nil {
		return err
	}
	r.cacheReview(ctx, review)
	return nil
}

func (r *postgresRepository) GetReview(ctx context.Context, reviewID string) (*models.DesignReview, error) {
	if cached := r.cachedReview(ctx, reviewID); cached != nil {
		r.metrics.IncrementCounterWithLabels("review_cache", 1, map[string]string{"result": "hit"})
		return cached, nil
	}
	r.metrics.IncrementCounterWithLabels("review_cache", 1, map[string]string{"result": "miss"})

	result, err := r.execute("get_review", func() (interface{}, error) {
		var row reviewRow
		query := `
			SELECT id, document_id, creator_id, title, description,
			       reviewer_ids, status, due_at, created_at, updated_at
			FROM design_reviews WHERE id = $1`
		if err := r.db.GetContext(ctx, &row, query, reviewID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errors.Wrapf(models.ErrNotFound, "review %s", reviewID)
			}
			return nil, errors.Wrap(err, "failed to load review")
		}

		review := row.DesignReview
		review.ReviewerIDs = []string(row.Reviewers)

		comments := []*models.Comment{}
		query = `
			SELECT id, review_id, author_id, target_element_id, body,
			       x, y, created_at, resolved
			FROM review_comments WHERE review_id = $1
			ORDER BY created_at, id`
		if err := r.db.SelectContext(ctx, &comments, query, reviewID); err != nil {
			return nil, errors.Wrap(err, "failed to load review comments")
		}
		review.Comments = comments
		return &review, nil
	})
	if err != nil {
		return nil, err
	}

	review := result.(*models.DesignReview)
	r.cacheReview(ctx, review)
	return review, nil
}

func (r *postgresRepository) ListReviews(ctx context.Context, documentID string) ([]*models.DesignReview, error) {
	result, err := r.execute("list_reviews", func() (interface{}, error) {
		var rows []reviewRow
		query := `
			SELECT id, document_id, creator_id, title, description,
			       reviewer_ids, status, due_at, created_at, updated_at
			FROM design_reviews WHERE document_id = $1
			ORDER BY created_at DESC`
		if err := r.db.SelectContext(ctx, &rows, query, documentID); err != nil {
			return nil, errors.Wrap(err, "failed to list reviews")
		}
		reviews := make([]*models.DesignReview, 0, len(rows))
		for i := range rows {
			review := rows[i].DesignReview
			review.ReviewerIDs = []string(rows[i].Reviewers)
			reviews = append(reviews, &review)
		}
		return reviews, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]*models.DesignReview), nil
}

func (r *postgresRepository) UpdateReviewStatus(ctx context.Context, reviewID string, status models.ReviewStatus) error {
	_, err := r.execute("update_review_status", func() (interface{}, error) {
		query := `UPDATE design_reviews SET status = $2, updated_at = $3 WHERE id = $1`
		res, err := r.db.ExecContext(ctx, query, reviewID, status, time.Now().UTC())
		if err != nil {
			return nil, errors.Wrap(err, "failed to update review status")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read affected rows")
		}
		if affected == 0 {
			return nil, errors.Wrapf(models.ErrNotFound, "review %s", reviewID)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	r.invalidateReview(ctx, reviewID)
	return nil
}

func (r *postgresRepository) AddComment(ctx context.Context, comment *models.Comment) error {
	_, err := r.execute("add_comment", func() (interface{}, error) {
		query := `
			INSERT INTO review_comments (
				id, review_id, author_id, target_element_id, body,
				x, y, created_at, resolved
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err := r.db.ExecContext(ctx, query,
			comment.ID, comment.ReviewID, comment.AuthorID, comment.TargetElementID,
			comment.Body, comment.X, comment.Y, comment.CreatedAt, comment.Resolved)
		if err != nil {
			return nil, errors.Wrap(err, "failed to insert comment")
		}

		query = `UPDATE design_reviews SET updated_at = $2 WHERE id = $1`
		_, err = r.db.ExecContext(ctx, query, comment.ReviewID, comment.CreatedAt)
		return nil, errors.Wrap(err, "failed to touch review")
	})
	if err != nil {
		return err
	}
	r.invalidateReview(ctx, comment.ReviewID)
	return nil
}

// ResolveComment marks a comment resolved and reports whether this call
// changed it; resolving an already resolved comment is a no-op.
func (r *postgresRepository) ResolveComment(ctx context.Context, commentID string) (*models.Comment, bool, error) {
	type resolveResult struct {
		comment *models.Comment
		changed bool
	}
	result, err := r.execute("resolve_comment", func() (interface{}, error) {
		query := `UPDATE review_comments SET resolved = TRUE WHERE id = $1 AND NOT resolved`
		res, err := r.db.ExecContext(ctx, query, commentID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve comment")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read affected rows")
		}

		var comment models.Comment
		query = `
			SELECT id, review_id, author_id, target_element_id, body,
			       x, y, created_at, resolved
			FROM review_comments WHERE id = $1`
		if err := r.db.GetContext(ctx, &comment, query, commentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errors.Wrapf(models.ErrNotFound, "comment %s", commentID)
			}
			return nil, errors.Wrap(err, "failed to load comment")
		}
		return &resolveResult{comment: &comment, changed: affected > 0}, nil
	})
	if err != nil {
		return nil, false, err
	}

	rr := result.(*resolveResult)
	if rr.changed {
		r.invalidateReview(ctx, rr.comment.ReviewID)
	}
	return rr.comment, rr.changed, nil
}


func (r *postgresRepository) cacheReview(ctx context.Context, review *models.DesignReview) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, reviewCacheKey(review.ID), review, r.cacheTTL); err != nil {
		r.logger.Debug("Failed to cache review", map[string]interface{}{
			"review_id": review.ID,
			"error":     err.Error(),
		})
	}
}

func (r *postgresRepository) cachedReview(ctx context.Context, reviewID string) *models.DesignReview {
	if r.cache == nil {
		return nil
	}
	var review models.DesignReview
	if err := r.cache.Get(ctx, reviewCacheKey(reviewID), &review); err != nil {
		return nil
	}
	return &review
}

func (r *postgresRepository) invalidateReview(ctx context.Context, reviewID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, reviewCacheKey(reviewID)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		r.logger.Debug("Failed to invalidate cached review", map[string]interface{}{
			"review_id": reviewID,
			"error":     err.Error(),
		})
	}
}
