package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/truesalary/backend/internal/models"
)

// PointsService is the single authority for mutating point balances. Every
// balance change goes through Credit/Debit (or their Tx variants) so that the
// conditional-update discipline and the history append cannot be bypassed.
type PointsService struct {
	db *sql.DB
}

func NewPointsService(db *sql.DB) *PointsService {
	return &PointsService{db: db}
}

// EnsureBalance creates the balance row for a user if it does not exist yet.
func (s *PointsService) EnsureBalance(userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

// EnsureBalanceTx is EnsureBalance inside the caller's transaction.
func (s *PointsService) EnsureBalanceTx(tx *sql.Tx, userID string) error {
	_, err := tx.Exec(`
		INSERT INTO balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

// Credit adds points to a user's balance and appends a history entry, both
// within one database transaction.
func (s *PointsService) Credit(userID string, amount int64, remark string, endDate *time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	newBalance, err := s.CreditTx(tx, userID, amount, remark, endDate)
	if err != nil {
		return 0, err
	}

	return newBalance, tx.Commit()
}

// CreditTx is Credit running inside the caller's transaction, so a credit can
// be made atomic with other mutations (payment confirmation, post reward).
func (s *PointsService) CreditTx(tx *sql.Tx, userID string, amount int64, remark string, endDate *time.Time) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var newBalance int64
	err := tx.QueryRow(`
		UPDATE balances
		SET points = points + $1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING points`, amount, userID).Scan(&newBalance)
	if err == sql.ErrNoRows {
		return 0, ErrBalanceNotFound
	}
	if err != nil {
		return 0, err
	}

	if err := s.appendHistoryTx(tx, userID, amount, remark, endDate); err != nil {
		return 0, err
	}

	return newBalance, nil
}

// Debit removes points from a user's balance. The balance check and the
// decrement are one conditional UPDATE so two concurrent debits can never
// both pass the check and drive the balance negative.
func (s *PointsService) Debit(userID string, amount int64, remark string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	newBalance, err := s.DebitTx(tx, userID, amount, remark)
	if err != nil {
		return 0, err
	}

	return newBalance, tx.Commit()
}

// DebitTx is Debit running inside the caller's transaction.
func (s *PointsService) DebitTx(tx *sql.Tx, userID string, amount int64, remark string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	var newBalance int64
	err := tx.QueryRow(`
		UPDATE balances
		SET points = points - $1, updated_at = NOW()
		WHERE user_id = $2 AND points >= $1
		RETURNING points`, amount, userID).Scan(&newBalance)
	if err == sql.ErrNoRows {
		// Distinguish a missing balance from an insufficient one.
		var current int64
		checkErr := tx.QueryRow(`SELECT points FROM balances WHERE user_id = $1`, userID).Scan(&current)
		if checkErr == sql.ErrNoRows {
			return 0, ErrBalanceNotFound
		}
		if checkErr != nil {
			return 0, checkErr
		}
		return 0, ErrInsufficientPoints
	}
	if err != nil {
		return 0, err
	}

	if newBalance < 0 {
		// Unreachable while the conditional UPDATE and the schema CHECK
		// hold; treated as fatal if it ever fires.
		log.Printf("[POINTS] Invariant violation: user %s balance %d after debit of %d (remark: %s)",
			userID, newBalance, amount, remark)
		return 0, fmt.Errorf("negative balance %d for user %s", newBalance, userID)
	}

	if err := s.appendHistoryTx(tx, userID, -amount, remark, nil); err != nil {
		return 0, err
	}

	return newBalance, nil
}

func (s *PointsService) appendHistoryTx(tx *sql.Tx, userID string, delta int64, remark string, endDate *time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO point_history (user_id, delta, remark, end_date)
		VALUES ($1, $2, $3, $4)`, userID, delta, remark, endDate)
	return err
}

// GetBalance fetches a user's balance row.
func (s *PointsService) GetBalance(userID string) (*models.Balance, error) {
	balance := &models.Balance{UserID: userID}
	var lastCheckIn sql.NullTime
	err := s.db.QueryRow(`
		SELECT points, last_check_in, check_in_streak, updated_at
		FROM balances WHERE user_id = $1`, userID).
		Scan(&balance.Points, &lastCheckIn, &balance.CheckInStreak, &balance.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastCheckIn.Valid {
		t := lastCheckIn.Time
		balance.LastCheckIn = &t
	}
	return balance, nil
}

// History returns one page of a user's balance-changing events, newest first,
// optionally filtered to credits (gain) or debits (used).
func (s *PointsService) History(userID, category string, page, pageSize int) ([]models.PointHistory, int, error) {
	condition := ""
	switch category {
	case models.HistoryGain:
		condition = " AND delta > 0"
	case models.HistoryUsed:
		condition = " AND delta < 0"
	}

	var total int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM point_history WHERE user_id = $1`+condition, userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, delta, remark, start_date, end_date, created_at
		FROM point_history
		WHERE user_id = $1`+condition+`
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []models.PointHistory{}
	for rows.Next() {
		var entry models.PointHistory
		var endDate sql.NullTime
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Delta, &entry.Remark,
			&entry.StartDate, &endDate, &entry.CreatedAt); err != nil {
			return nil, 0, err
		}
		if endDate.Valid {
			t := endDate.Time
			entry.EndDate = &t
		}
		entries = append(entries, entry)
	}

	return entries, total, rows.Err()
}

// GetBalanceHandler returns the caller's point balance and streak state
// @Summary Get point balance
// @Description Retrieve the authenticated user's point total, check-in streak and today's check-in state
// @Tags points
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /points [get]
func (s *PointsService) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.EnsureBalance(userID); err != nil {
		log.Printf("[POINTS] Failed to ensure balance for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	balance, err := s.GetBalance(userID)
	if err != nil {
		if err == ErrBalanceNotFound {
			SendErrorResponse(w, "Balance not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[POINTS] Failed to fetch balance for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	SendSuccessResponse(w, http.StatusOK, "", map[string]any{
		"points":            balance.Points,
		"checkInStreak":     balance.CheckInStreak,
		"hasCheckedInToday": checkedInToday(balance.LastCheckIn, time.Now().UTC()),
	})
}

// GetHistoryHandler lists the caller's point history
// @Summary Get point history
// @Description Paginated point history, newest first, filterable by gain/used
// @Tags points
// @Produce json
// @Param category query string false "Filter: gain, used or all (default all)"
// @Param page query int false "Page number (default 1)"
// @Param pageSize query int false "Page size (default 10, max 100)"
// @Success 200 {object} SuccessResponse
// @Failure 401 {object} ErrorResponse
// @Router /points/history [get]
func (s *PointsService) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	category := r.URL.Query().Get("category")
	if category == "" {
		category = models.HistoryAll
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 10)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	entries, total, err := s.History(userID, category, page, pageSize)
	if err != nil {
		log.Printf("[POINTS] Failed to fetch history for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch point history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data":       entries,
		"totalCount": total,
	})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil {
			return val
		}
	}
	return defaultVal
}
