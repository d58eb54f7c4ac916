package engine

import (
	"time"

	"github.com/hongminglow/coop-ledger/internal/metrics"
)

// Job names.
const (
	JobClearing = "clearing"
	JobInterest = "interest"
	JobDefaults = "defaults"
)

// JobError is a per-row failure recorded by a batch job. The row is retried
// on the next run.
type JobError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// DeferredLoan is an overdue loan the reserve could not cover on this run.
type DeferredLoan struct {
	LoanID         string `json:"loan_id"`
	AmountDue      int64  `json:"amount_due"`
	ReserveBalance int64  `json:"reserve_balance"`
}

// Shortfall is how much more the reserve needs to settle the loan.
func (d DeferredLoan) Shortfall() int64 { return d.AmountDue - d.ReserveBalance }

// JobSummary reports one batch job run.
type JobSummary struct {
	Job            string     `json:"job"`
	ProcessedCount int        `json:"processed_count"`
	TotalAmount    int64      `json:"total_amount"`
	ErrorCount     int        `json:"error_count"`
	Errors         []JobError `json:"errors,omitempty"`
	// Deferred lists loans left funded because the reserve could not cover them.
	Deferred   []DeferredLoan `json:"deferred,omitempty"`
	Skipped    bool           `json:"skipped"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

func (s *JobSummary) processed(amount int64) {
	s.ProcessedCount++
	s.TotalAmount += amount
}

func (s *JobSummary) failed(id string, err error) {
	s.ErrorCount++
	s.Errors = append(s.Errors, JobError{ID: id, Error: err.Error()})
}

// record publishes the run's metrics once it has finished.
func (s *JobSummary) record() {
	result := "completed"
	switch {
	case s.Skipped:
		result = "skipped"
	case s.ErrorCount > 0:
		result = "partial"
	}
	metrics.JobRuns.WithLabelValues(s.Job, result).Inc()
	metrics.JobRows.WithLabelValues(s.Job, "processed").Add(float64(s.ProcessedCount))
	metrics.JobRows.WithLabelValues(s.Job, "error").Add(float64(s.ErrorCount))
	metrics.JobRows.WithLabelValues(s.Job, "deferred").Add(float64(len(s.Deferred)))
	metrics.JobAmount.WithLabelValues(s.Job).Add(float64(s.TotalAmount))
}

func (e *Engine) finishJob(s *JobSummary, err error) {
	s.FinishedAt = e.now()
	if err != nil {
		metrics.JobRuns.WithLabelValues(s.Job, "failed").Inc()
		e.log.Error("batch job aborted", "job", s.Job, "processed", s.ProcessedCount, "error", err)
		return
	}
	s.record()
	e.log.Info("batch job finished",
		"job", s.Job,
		"processed", s.ProcessedCount,
		"total_amount", s.TotalAmount,
		"errors", s.ErrorCount,
		"deferred", len(s.Deferred),
		"skipped", s.Skipped,
		"duration", s.FinishedAt.Sub(s.StartedAt))
}
