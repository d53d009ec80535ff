package store

import "time"

// Selection names which members of a group a job addresses.
type Selection string

const (
	SelectionAll      Selection = "all"      // every active member
	SelectionBirthday Selection = "birthday" // members whose birthday falls on the run date
	SelectionEntry    Selection = "entry"    // members whose joining anniversary falls on the run date
	SelectionList     Selection = "list"     // an explicit address list stored on the job
)

// Valid reports whether s is a known selection.
func (s Selection) Valid() bool {
	switch s {
	case SelectionAll, SelectionBirthday, SelectionEntry, SelectionList:
		return true
	}
	return false
}

// Recurring selections of the same kind may exist at most once per group.
func (s Selection) Recurring() bool {
	return s == SelectionBirthday || s == SelectionEntry
}

// Group is a membership group. Exactly one group is the default group;
// members without an explicit group assignment belong to it.
type Group struct {
	ID        int64
	Name      string
	IsDefault bool
}

// Member is a club member. Lifecycle is a single field: a member is active
// iff DeletedAt is nil, so active and deleted can never disagree.
type Member struct {
	ID          int64
	FirstName   string
	LastName    string
	Email       string
	Gender      string // "m", "w" or empty
	Birthdate   time.Time
	MemberSince *time.Time
	GroupID     *int64 // nil means default group
	DeletedAt   *time.Time
}

// Active reports whether the member takes part in mailings.
func (m Member) Active() bool { return m.DeletedAt == nil }

// Template is a stored mail template, markdown or HTML with an optional
// frontmatter block.
type Template struct {
	ID        int64
	Name      string
	Content   string
	UpdatedAt time.Time
}

// MailerJob is a scheduled mailing. Exactly one of Cron or OnceAt is set for
// a schedulable job; both empty means the job only runs manually.
type MailerJob struct {
	ID         int64
	Name       string
	TemplateID int64
	Selection  Selection
	GroupID    int64
	Cron       string
	OnceAt     *time.Time
	BCCAddress string
	Recipients []string // only for SelectionList
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobLog is one execution record of a job.
type JobLog struct {
	ID          int64
	JobID       int64
	ExecutedAt  time.Time
	LogicalDate time.Time
	Status      string
	Details     string
	MailsSent   int
	ErrorCount  int
	DurationMS  int64
}

// Execution statuses recorded in job logs.
const (
	StatusOK           = "ok"
	StatusPartialError = "partial_error"
	StatusError        = "error"
	StatusNoRecipients = "no_recipients"
	StatusNoTemplate   = "no_template"
	StatusNoConfig     = "no_config"
	StatusJobNotFound  = "job_not_found"
)

// MailerConfig is the single-row delivery configuration. Without it no job
// may send.
type MailerConfig struct {
	ID          int64
	FromAddress string
	ReplyTo     string
	AdminEmail  string
	RateLimit   int64
	RateWindow  time.Duration
	UpdatedAt   time.Time
}
