package models

import (
	"time"
)

// Balance holds a user's current point total and check-in streak state.
// Mutated only through the points service.
type Balance struct {
	UserID        string     `json:"userId" db:"user_id"`
	Points        int64      `json:"points" db:"points"`
	LastCheckIn   *time.Time `json:"lastCheckIn" db:"last_check_in"`
	CheckInStreak int        `json:"checkInStreak" db:"check_in_streak"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
}

// PointHistory is one immutable balance-changing event. Positive delta is a
// credit, negative a debit. EndDate is set for points with a validity window.
type PointHistory struct {
	ID        int64      `json:"id" db:"id"`
	UserID    string     `json:"userId" db:"user_id"`
	Delta     int64      `json:"point" db:"delta"`
	Remark    string     `json:"remark" db:"remark"`
	StartDate time.Time  `json:"startDate" db:"start_date"`
	EndDate   *time.Time `json:"endDate" db:"end_date"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
}

// History categories accepted by the point history endpoint.
const (
	HistoryGain = "gain"
	HistoryUsed = "used"
	HistoryAll  = "all"
)
