package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/truesalary/backend/internal/config"
	"github.com/truesalary/backend/internal/models"
)

// PostService handles salary-report submission and listing. Submitting a
// report earns the configured share reward; new reports start in pending
// moderation state.
type PostService struct {
	db        *sql.DB
	points    *PointsService
	cfg       *config.PointsConfig
	validator *ValidationHelper
}

func NewPostService(db *sql.DB, points *PointsService, cfg *config.PointsConfig) *PostService {
	return &PostService{
		db:        db,
		points:    points,
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
}

// Create persists a new post and credits the share reward in the same
// database transaction.
func (s *PostService) Create(userID string, input *models.PostInput) (string, int64, error) {
	if err := s.points.EnsureBalance(userID); err != nil {
		return "", 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, err
	}
	defer tx.Rollback()

	postID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO posts (id, tax_id, company_name, title, employment_type, city,
			work_years, total_work_years, monthly_salary, yearly_salary,
			overtime, feeling, job_description, suggestion, tags, status, create_user)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		postID, input.TaxID, input.CompanyName, input.Title, input.EmploymentType,
		input.City, input.WorkYears, input.TotalWorkYears, input.MonthlySalary,
		input.YearlySalary, input.Overtime, input.Feeling, input.JobDescription,
		input.Suggestion, pq.Array(input.Tags), models.PostStatusPending, userID)
	if err != nil {
		return "", 0, err
	}

	newBalance, err := s.points.CreditTx(tx, userID, s.cfg.ShareReward, "Shared a salary report", nil)
	if err != nil {
		return "", 0, err
	}

	if err := tx.Commit(); err != nil {
		return "", 0, err
	}

	return postID, newBalance, nil
}

// List returns one page of approved posts, newest first, optionally filtered
// by company name. Paywalled fields are truncated unless the requesting user
// unlocked the post.
func (s *PostService) List(userID, companyName string, page, pageSize int) ([]models.Post, int, error) {
	condition := `WHERE status = $1`
	args := []any{models.PostStatusApproved}
	if companyName != "" {
		condition += ` AND company_name = $2`
		args = append(args, companyName)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM posts `+condition, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT p.id, p.company_name, p.title, p.employment_type, p.city,
		       p.yearly_salary, p.job_description, p.suggestion, p.tags, p.seen, p.created_at,
		       EXISTS(SELECT 1 FROM post_unlocks u WHERE u.post_id = p.id AND u.user_id = $%d)
		FROM posts p %s
		ORDER BY p.created_at DESC
		LIMIT $%d OFFSET $%d`, len(args)+1, condition, len(args)+2, len(args)+3)
	args = append(args, userID, pageSize, (page-1)*pageSize)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		var post models.Post
		if err := rows.Scan(&post.ID, &post.CompanyName, &post.Title, &post.EmploymentType,
			&post.City, &post.YearlySalary, &post.JobDescription, &post.Suggestion,
			pq.Array(&post.Tags), &post.Seen, &post.CreatedAt, &post.Unlocked); err != nil {
			return nil, 0, err
		}
		if !post.Unlocked {
			post.JobDescription = truncateField(post.JobDescription)
			post.Suggestion = truncateField(post.Suggestion)
		}
		post.Status = models.PostStatusApproved
		posts = append(posts, post)
	}

	return posts, total, rows.Err()
}

// CreatePostHandler submits a new salary report
// @Summary Submit a salary report
// @Description Create a pending salary report and credit the share reward
// @Tags posts
// @Accept json
// @Produce json
// @Param post body models.PostInput true "Salary report"
// @Success 201 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /posts [post]
func (s *PostService) CreatePostHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var input models.PostInput
	if err := dec.Decode(&input); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&input); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	postID, newBalance, err := s.Create(userID, &input)
	if err != nil {
		log.Printf("[POST] Failed to create post for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to create post", http.StatusInternalServerError, nil)
		return
	}

	SendSuccessResponse(w, http.StatusCreated, "Salary report submitted", map[string]any{
		"postId":        postID,
		"pointsAwarded": s.cfg.ShareReward,
		"points":        newBalance,
	})
}

// ListPostsHandler lists approved salary reports
// @Summary List salary reports
// @Description Approved posts, newest first, paywalled fields truncated unless unlocked
// @Tags posts
// @Produce json
// @Param companyName query string false "Filter by company name"
// @Param page query int false "Page number (default 1)"
// @Param pageSize query int false "Page size (default 10, max 100)"
// @Success 200 {object} SuccessResponse
// @Router /posts [get]
func (s *PostService) ListPostsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	companyName := r.URL.Query().Get("companyName")

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 10)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	posts, total, err := s.List(userID, companyName, page, pageSize)
	if err != nil {
		log.Printf("[POST] Failed to list posts: %v", err)
		SendErrorResponse(w, "Failed to list posts", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":       posts,
		"totalCount": total,
	})
}
