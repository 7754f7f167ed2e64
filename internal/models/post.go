package models

import (
	"time"
)

// Post moderation statuses.
const (
	PostStatusPending  = "pending"
	PostStatusApproved = "approved"
	PostStatusRejected = "rejected"
	PostStatusRemoved  = "removed"
)

// Post is a crowd-sourced salary report. JobDescription and Suggestion are
// the paywalled fields: they are truncated for users who have not unlocked
// the post.
type Post struct {
	ID             string    `json:"postId" db:"id"`
	TaxID          string    `json:"taxId" db:"tax_id"`
	CompanyName    string    `json:"companyName" db:"company_name"`
	Title          string    `json:"title" db:"title"`
	EmploymentType string    `json:"employmentType" db:"employment_type"`
	City           string    `json:"city" db:"city"`
	WorkYears      int       `json:"workYears" db:"work_years"`
	TotalWorkYears int       `json:"totalWorkYears" db:"total_work_years"`
	MonthlySalary  *int64    `json:"monthlySalary" db:"monthly_salary"`
	YearlySalary   int64     `json:"yearlySalary" db:"yearly_salary"`
	Overtime       int       `json:"overtime" db:"overtime"`
	Feeling        int       `json:"feeling" db:"feeling"`
	JobDescription string    `json:"jobDescription" db:"job_description"`
	Suggestion     string    `json:"suggestion" db:"suggestion"`
	Tags           []string  `json:"tags" db:"tags"`
	Status         string    `json:"status" db:"status"`
	Seen           int64     `json:"seen" db:"seen"`
	CreateUser     string    `json:"-" db:"create_user"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`

	// Unlocked reports whether the requesting user has paid for full
	// content. It is computed per request, never persisted on the post.
	Unlocked bool `json:"unlocked" db:"-"`
}

// PostInput is the payload for submitting a new salary report.
type PostInput struct {
	TaxID          string   `json:"taxId" validate:"required,numeric,len=8"`
	CompanyName    string   `json:"companyName" validate:"required,max=100"`
	Title          string   `json:"title" validate:"required,max=100"`
	EmploymentType string   `json:"employmentType" validate:"required,oneof=fulltime parttime internship contract dispatch"`
	City           string   `json:"city" validate:"required,max=50"`
	WorkYears      int      `json:"workYears" validate:"min=0,max=60"`
	TotalWorkYears int      `json:"totalWorkYears" validate:"min=0,max=60"`
	MonthlySalary  *int64   `json:"monthlySalary" validate:"omitempty,gt=0"`
	YearlySalary   int64    `json:"yearlySalary" validate:"required,gt=0"`
	Overtime       int      `json:"overtime" validate:"required,min=1,max=5"`
	Feeling        int      `json:"feeling" validate:"required,min=1,max=5"`
	JobDescription string   `json:"jobDescription" validate:"required"`
	Suggestion     string   `json:"suggestion" validate:"required"`
	Tags           []string `json:"tags" validate:"max=10"`
}

// PostUnlock records one user's permanent grant of full-content visibility.
type PostUnlock struct {
	PostID     string    `json:"postId" db:"post_id"`
	UserID     string    `json:"userId" db:"user_id"`
	UnlockedAt time.Time `json:"unlockedAt" db:"unlocked_at"`
}
