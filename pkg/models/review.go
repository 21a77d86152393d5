package models

import "time"

// ReviewStatus is the lifecycle status of a design review
type ReviewStatus string

// Review statuses. Open to closed is the only transition; reviews are
// never physically deleted.
const (
	ReviewStatusOpen   ReviewStatus = "open"
	ReviewStatusClosed ReviewStatus = "closed"
)

// DesignReview is an asynchronous approval workflow attached to a
// document, distinct from live co-editing.
type DesignReview struct {
	ID          string       `json:"id" db:"id"`
	DocumentID  string       `json:"document_id" db:"document_id"`
	CreatorID   string       `json:"creator_id" db:"creator_id"`
	Title       string       `json:"title" db:"title"`
	Description string       `json:"description" db:"description"`
	ReviewerIDs []string     `json:"reviewer_ids" db:"-"`
	Status      ReviewStatus `json:"status" db:"status"`
	DueAt       *time.Time   `json:"due_at,omitempty" db:"due_at"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
	Comments    []*Comment   `json:"comments,omitempty" db:"-"`
}

// CanComment reports whether the actor is the review's creator or one
// of its reviewers
func (r *DesignReview) CanComment(actorID string) bool {
	if actorID == r.CreatorID {
		return true
	}
	for _, id := range r.ReviewerIDs {
		if id == actorID {
			return true
		}
	}
	return false
}

// Comment is an annotation appended to a review's comment sequence.
// Resolution is the only mutation after creation.
type Comment struct {
	ID              string    `json:"id" db:"id"`
	ReviewID        string    `json:"review_id" db:"review_id"`
	AuthorID        string    `json:"author_id" db:"author_id"`
	TargetElementID string    `json:"target_element_id,omitempty" db:"target_element_id"`
	Body            string    `json:"body" db:"body"`
	X               float64   `json:"x" db:"x"`
	Y               float64   `json:"y" db:"y"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	Resolved        bool      `json:"resolved" db:"resolved"`
}
