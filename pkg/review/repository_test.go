package review

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/designmesh/collab/pkg/common/cache"
	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/observability"
)

func newMockRepository(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	repo := NewPostgresRepository(sqlxDB, nil, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	return repo, mock
}

func reviewColumns() []string {
	return []string{
		"id", "document_id", "creator_id", "title", "description",
		"reviewer_ids", "status", "due_at", "created_at", "updated_at",
	}
}

func commentColumns() []string {
	return []string{
		"id", "review_id", "author_id", "target_element_id", "body",
		"x", "y", "created_at", "resolved",
	}
}

func TestPostgresRepositoryCreateReview(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	review := &models.DesignReview{
		ID:          "rev-1",
		DocumentID:  "doc-1",
		CreatorID:   "carol",
		Title:       "Homepage redesign",
		ReviewerIDs: []string{"alice", "bob"},
		Status:      models.ReviewStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO design_reviews")).
		WithArgs("rev-1", "doc-1", "carol", "Homepage redesign", "",
			sqlmock.AnyArg(), "open", nil, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateReview(context.Background(), review)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositoryGetReview(t *testing.T) {
	t.Run("loads review with comments", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		now := time.Now().UTC()

		mock.ExpectQuery("SELECT (.+) FROM design_reviews WHERE id").
			WithArgs("rev-1").
			WillReturnRows(sqlmock.NewRows(reviewColumns()).
				AddRow("rev-1", "doc-1", "carol", "Homepage redesign", "",
					[]byte("{alice,bob}"), "open", nil, now, now))
		mock.ExpectQuery("SELECT (.+) FROM review_comments WHERE review_id").
			WithArgs("rev-1").
			WillReturnRows(sqlmock.NewRows(commentColumns()).
				AddRow("com-1", "rev-1", "alice", "el-1", "spacing is off",
					10.0, 20.0, now, false))

		review, err := repo.GetReview(context.Background(), "rev-1")
		require.NoError(t, err)
		assert.Equal(t, "rev-1", review.ID)
		assert.Equal(t, []string{"alice", "bob"}, review.ReviewerIDs)
		require.Len(t, review.Comments, 1)
		assert.Equal(t, "spacing is off", review.Comments[0].Body)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown review", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery("SELECT (.+) FROM design_reviews WHERE id").
			WithArgs("rev-missing").
			WillReturnRows(sqlmock.NewRows(reviewColumns()))

		_, err := repo.GetReview(context.Background(), "rev-missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepositoryListReviews(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM design_reviews WHERE document_id").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(reviewColumns()).
			AddRow("rev-2", "doc-1", "carol", "Second pass", "",
				[]byte("{alice}"), "open", nil, now, now).
			AddRow("rev-1", "doc-1", "carol", "Homepage redesign", "",
				[]byte("{}"), "closed", nil, now.Add(-time.Hour), now))

	reviews, err := repo.ListReviews(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, "rev-2", reviews[0].ID)
	assert.Equal(t, []string{"alice"}, reviews[0].ReviewerIDs)
	assert.Equal(t, models.ReviewStatusClosed, reviews[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositoryUpdateReviewStatus(t *testing.T) {
	t.Run("updates status", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectExec("UPDATE design_reviews SET status").
			WithArgs("rev-1", "closed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateReviewStatus(context.Background(), "rev-1", models.ReviewStatusClosed)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown review", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectExec("UPDATE design_reviews SET status").
			WithArgs("rev-missing", "closed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateReviewStatus(context.Background(), "rev-missing", models.ReviewStatusClosed)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepositoryAddComment(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	comment := &models.Comment{
		ID:        "com-1",
		ReviewID:  "rev-1",
		AuthorID:  "alice",
		Body:      "spacing is off",
		X:         10,
		Y:         20,
		CreatedAt: now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO review_comments")).
		WithArgs("com-1", "rev-1", "alice", "", "spacing is off",
			10.0, 20.0, now, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE design_reviews SET updated_at").
		WithArgs("rev-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AddComment(context.Background(), comment)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositoryResolveComment(t *testing.T) {
	t.Run("first resolve changes the row", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		now := time.Now().UTC()

		mock.ExpectExec("UPDATE review_comments SET resolved").
			WithArgs("com-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT (.+) FROM review_comments WHERE id").
			WithArgs("com-1").
			WillReturnRows(sqlmock.NewRows(commentColumns()).
				AddRow("com-1", "rev-1", "alice", "", "spacing is off",
					10.0, 20.0, now, true))

		comment, changed, err := repo.ResolveComment(context.Background(), "com-1")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, comment.Resolved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second resolve is a no-op", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		now := time.Now().UTC()

		mock.ExpectExec("UPDATE review_comments SET resolved").
			WithArgs("com-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM review_comments WHERE id").
			WithArgs("com-1").
			WillReturnRows(sqlmock.NewRows(commentColumns()).
				AddRow("com-1", "rev-1", "alice", "", "spacing is off",
					10.0, 20.0, now, true))

		comment, changed, err := repo.ResolveComment(context.Background(), "com-1")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.True(t, comment.Resolved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown comment", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectExec("UPDATE review_comments SET resolved").
			WithArgs("com-missing").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM review_comments WHERE id").
			WithArgs("com-missing").
			WillReturnRows(sqlmock.NewRows(commentColumns()))

		_, _, err := repo.ResolveComment(context.Background(), "com-missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepositoryCacheAside(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	memCache := cache.NewMemoryCache(100, time.Minute)
	repo := NewPostgresRepository(sqlx.NewDb(db, "sqlmock"), memCache,
		observability.NewNoopLogger(), observability.NewNoOpMetricsClient())

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM design_reviews WHERE id").
		WithArgs("rev-1").
		WillReturnRows(sqlmock.NewRows(reviewColumns()).
			AddRow("rev-1", "doc-1", "carol", "Homepage redesign", "",
				[]byte("{}"), "open", nil, now, now))
	mock.ExpectQuery("SELECT (.+) FROM review_comments WHERE review_id").
		WithArgs("rev-1").
		WillReturnRows(sqlmock.NewRows(commentColumns()))

	// First read hits the database, second is served from the cache
	first, err := repo.GetReview(context.Background(), "rev-1")
	require.NoError(t, err)
	second, err := repo.GetReview(context.Background(), "rev-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
