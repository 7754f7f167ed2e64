package services

import (
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/truesalary/backend/internal/config"
	"github.com/truesalary/backend/internal/models"
)

// truncatedFieldLength is how many leading runes of a paywalled field stay
// visible before the elision marker.
const truncatedFieldLength = 10

// unlockRetryLimit bounds transparent retries of the unlock transaction on
// storage-level conflicts (serialization failures, deadlocks).
const unlockRetryLimit = 3

// UnlockService grants and evaluates full-content access to salary posts.
// An unlock is permanent: once a user appears in a post's unlock set it is
// never revoked.
type UnlockService struct {
	db       *sql.DB
	points   *PointsService
	cfg      *config.PointsConfig
	notifier *Notifier
}

func NewUnlockService(db *sql.DB, points *PointsService, cfg *config.PointsConfig, notifier *Notifier) *UnlockService {
	return &UnlockService{
		db:       db,
		points:   points,
		cfg:      cfg,
		notifier: notifier,
	}
}

// UnlockResult is the observable outcome of an unlock attempt.
type UnlockResult struct {
	PostID          string    `json:"postId"`
	AlreadyUnlocked bool      `json:"alreadyUnlocked"`
	PointsSpent     int64     `json:"pointsSpent"`
	NewBalance      int64     `json:"points"`
	UnlockedAt      time.Time `json:"unlockedAt"`
}

// Unlock debits the unlock price and appends the user to the post's unlock
// set as one atomic unit. Calling it for an already-unlocked post is a
// benign no-op that costs nothing.
func (s *UnlockService) Unlock(userID, postID string) (*UnlockResult, error) {
	var result *UnlockResult
	var err error
	for attempt := 0; attempt < unlockRetryLimit; attempt++ {
		result, err = s.unlockOnce(userID, postID)
		if err != nil && isRetryableConflict(err) {
			log.Printf("[UNLOCK] Retrying unlock of post %s for user %s after conflict: %v", postID, userID, err)
			continue
		}
		return result, err
	}
	return nil, err
}

func (s *UnlockService) unlockOnce(userID, postID string) (*UnlockResult, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM posts WHERE id = $1)`, postID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrPostNotFound
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var unlocked bool
	err = tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM post_unlocks WHERE post_id = $1 AND user_id = $2)`,
		postID, userID).Scan(&unlocked)
	if err != nil {
		return nil, err
	}
	if unlocked {
		return &UnlockResult{PostID: postID, AlreadyUnlocked: true}, nil
	}

	newBalance, err := s.points.DebitTx(tx, userID, s.cfg.UnlockPrice, "Unlocked salary post")
	if err != nil {
		return nil, err
	}

	// A concurrent unlock that won the race yields no row here; rolling
	// back also rolls the debit back.
	var unlock models.PostUnlock
	err = tx.QueryRow(`
		INSERT INTO post_unlocks (post_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (post_id, user_id) DO NOTHING
		RETURNING post_id, user_id, unlocked_at`, postID, userID).
		Scan(&unlock.PostID, &unlock.UserID, &unlock.UnlockedAt)
	if err == sql.ErrNoRows {
		return &UnlockResult{PostID: postID, AlreadyUnlocked: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &UnlockResult{
		PostID:      unlock.PostID,
		PointsSpent: s.cfg.UnlockPrice,
		NewBalance:  newBalance,
		UnlockedAt:  unlock.UnlockedAt,
	}, nil
}

// GetPost fetches a post, evaluating unlock membership for the requesting
// user on every read. userID may be empty for anonymous readers.
func (s *UnlockService) GetPost(postID, userID string) (*models.Post, error) {
	post := &models.Post{}
	var monthlySalary sql.NullInt64
	err := s.db.QueryRow(`
		SELECT p.id, p.tax_id, p.company_name, p.title, p.employment_type, p.city,
		       p.work_years, p.total_work_years, p.monthly_salary, p.yearly_salary,
		       p.overtime, p.feeling, p.job_description, p.suggestion, p.tags,
		       p.status, p.seen, p.create_user, p.created_at,
		       EXISTS(SELECT 1 FROM post_unlocks u WHERE u.post_id = p.id AND u.user_id = $2)
		FROM posts p
		WHERE p.id = $1`, postID, userID).Scan(
		&post.ID, &post.TaxID, &post.CompanyName, &post.Title, &post.EmploymentType,
		&post.City, &post.WorkYears, &post.TotalWorkYears, &monthlySalary,
		&post.YearlySalary, &post.Overtime, &post.Feeling, &post.JobDescription,
		&post.Suggestion, pq.Array(&post.Tags), &post.Status, &post.Seen,
		&post.CreateUser, &post.CreatedAt, &post.Unlocked,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, err
	}
	if monthlySalary.Valid {
		v := monthlySalary.Int64
		post.MonthlySalary = &v
	}

	if !post.Unlocked {
		post.JobDescription = truncateField(post.JobDescription)
		post.Suggestion = truncateField(post.Suggestion)
	}

	return post, nil
}

// UnlockPostHandler spends points to unlock a post
// @Summary Unlock a salary post
// @Description Debit the unlock price and permanently grant full-content visibility
// @Tags posts
// @Produce json
// @Param postId path string true "Post ID"
// @Success 200 {object} SuccessResponse
// @Failure 401 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /posts/{postId}/unlock [post]
func (s *UnlockService) UnlockPostHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	postID := chi.URLParam(r, "postId")

	result, err := s.Unlock(userID, postID)
	if err != nil {
		switch err {
		case ErrPostNotFound:
			SendErrorResponse(w, "Post not found", http.StatusNotFound, nil)
		case ErrInsufficientPoints, ErrBalanceNotFound:
			SendErrorResponse(w, "Insufficient points", http.StatusPaymentRequired, nil)
		default:
			log.Printf("[UNLOCK] Failed to unlock post %s for user %s: %v", postID, userID, err)
			SendErrorResponse(w, "Failed to unlock post", http.StatusInternalServerError, nil)
		}
		return
	}

	message := "Post unlocked"
	if result.AlreadyUnlocked {
		message = "Post already unlocked"
	} else {
		s.notifier.Publish(r.Context(), userID, EventPostUnlocked, result)
	}

	SendSuccessResponse(w, http.StatusOK, message, result)
}

// GetPostHandler returns one salary post
// @Summary Get a salary post
// @Description Full content for unlocked users, truncated free-text fields otherwise
// @Tags posts
// @Produce json
// @Param postId path string true "Post ID"
// @Success 200 {object} models.Post
// @Failure 404 {object} ErrorResponse
// @Router /posts/{postId} [get]
func (s *UnlockService) GetPostHandler(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postId")
	userID, _ := r.Context().Value("userID").(string)

	post, err := s.GetPost(postID, userID)
	if err != nil {
		if err == ErrPostNotFound {
			SendErrorResponse(w, "Post not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[UNLOCK] Failed to fetch post %s: %v", postID, err)
		SendErrorResponse(w, "Failed to fetch post", http.StatusInternalServerError, nil)
		return
	}

	if post.Status != models.PostStatusApproved && post.CreateUser != userID {
		SendErrorResponse(w, "Post not found", http.StatusNotFound, nil)
		return
	}

	// View counter is best-effort.
	if _, err := s.db.Exec(`UPDATE posts SET seen = seen + 1 WHERE id = $1`, postID); err != nil {
		log.Printf("[UNLOCK] Failed to bump view counter for post %s: %v", postID, err)
	}

	SendSuccessResponse(w, http.StatusOK, "", post)
}

// truncateField keeps the visible prefix of a paywalled field and appends an
// elision marker.
func truncateField(s string) string {
	runes := []rune(s)
	if len(runes) <= truncatedFieldLength {
		return s
	}
	return string(runes[:truncatedFieldLength]) + "..."
}

// isRetryableConflict reports whether the error is a storage conflict worth
// retrying: serialization failure (40001) or deadlock detected (40P01).
func isRetryableConflict(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
