package services

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/truesalary/backend/internal/config"
)

// CheckInService implements the daily check-in streak. Day boundaries are
// UTC calendar dates, ignoring time-of-day.
type CheckInService struct {
	db       *sql.DB
	points   *PointsService
	cfg      *config.PointsConfig
	notifier *Notifier
}

func NewCheckInService(db *sql.DB, points *PointsService, cfg *config.PointsConfig, notifier *Notifier) *CheckInService {
	return &CheckInService{
		db:       db,
		points:   points,
		cfg:      cfg,
		notifier: notifier,
	}
}

// CheckInResult is the observable outcome of a successful check-in.
type CheckInResult struct {
	CheckInStreak int   `json:"checkInStreak"`
	PointsAwarded int64 `json:"pointsAwarded"`
	Milestone     bool  `json:"milestone"`
	NewBalance    int64 `json:"points"`
}

// CheckIn performs the streak update and the award credit as one database
// transaction, with the balance row locked so concurrent check-ins for the
// same user serialize.
func (s *CheckInService) CheckIn(userID string) (*CheckInResult, error) {
	if err := s.points.EnsureBalance(userID); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var lastCheckIn sql.NullTime
	var streak int
	err = tx.QueryRow(`
		SELECT last_check_in, check_in_streak FROM balances
		WHERE user_id = $1 FOR UPDATE`, userID).Scan(&lastCheckIn, &streak)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	today := utcDate(now)
	yesterday := today.AddDate(0, 0, -1)

	var last *time.Time
	if lastCheckIn.Valid {
		t := lastCheckIn.Time
		last = &t
	}

	if checkedInToday(last, now) {
		return nil, ErrAlreadyCheckedIn
	}

	// A missed day (or a first-ever check-in) breaks the streak.
	if last == nil || !utcDate(*last).Equal(yesterday) {
		streak = 0
	}

	streak++

	award := s.cfg.CheckInBasePoints
	milestone := false
	remark := "Daily check-in"
	if bonus := s.cfg.MilestoneBonus(streak); bonus > 0 {
		award = bonus
		milestone = true
		remark = fmt.Sprintf("Daily check-in, %d-day streak bonus", streak)
	}

	// Wrap the counter so it never grows past the streak window.
	if streak > s.cfg.MaxStreakDays {
		streak = 1
	}

	_, err = tx.Exec(`
		UPDATE balances
		SET check_in_streak = $1, last_check_in = $2, updated_at = NOW()
		WHERE user_id = $3`, streak, today, userID)
	if err != nil {
		return nil, err
	}

	newBalance, err := s.points.CreditTx(tx, userID, award, remark, nil)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result := &CheckInResult{
		CheckInStreak: streak,
		PointsAwarded: award,
		Milestone:     milestone,
		NewBalance:    newBalance,
	}

	return result, nil
}

// CheckInHandler performs the daily check-in
// @Summary Daily check-in
// @Description Record today's check-in and award the base or milestone points
// @Tags user
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /user/checkIn [post]
func (s *CheckInService) CheckInHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := s.CheckIn(userID)
	if err != nil {
		if err == ErrAlreadyCheckedIn {
			SendErrorResponse(w, "Already checked in today", http.StatusBadRequest, nil)
			return
		}
		log.Printf("[CHECKIN] Check-in failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Check-in failed", http.StatusInternalServerError, nil)
		return
	}

	s.notifier.Publish(r.Context(), userID, EventCheckInCompleted, result)

	SendSuccessResponse(w, http.StatusOK, "Check-in successful, points updated", result)
}

// utcDate truncates a time to its UTC calendar date.
func utcDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func checkedInToday(lastCheckIn *time.Time, now time.Time) bool {
	return lastCheckIn != nil && utcDate(*lastCheckIn).Equal(utcDate(now))
}
