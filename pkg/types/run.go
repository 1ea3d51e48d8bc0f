package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the terminal outcome of one pipeline run.
type RunStatus string

const (
	RunStatusExecuted    RunStatus = "EXECUTED"
	RunStatusNoTrade     RunStatus = "NO_TRADE"
	RunStatusRejected    RunStatus = "REJECTED"
	RunStatusFailed      RunStatus = "FAILED"
	RunStatusInterrupted RunStatus = "INTERRUPTED"
)

// Stage names used in run results, logs and metrics.
const (
	StageData     = "data"
	StageSignals  = "signals"
	StageSelector = "selector"
	StageRisk     = "risk"
	StageExecutor = "executor"
)

// RunResult is the record a pipeline run emits for storage and display.
type RunResult struct {
	ID          string           `json:"id"`
	Trigger     string           `json:"trigger"`
	Symbol      string           `json:"symbol"`
	Status      RunStatus        `json:"status"`
	FailedStage string           `json:"failed_stage,omitempty"`
	Error       string           `json:"error,omitempty"`
	Note        string           `json:"note,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Market      *MarketData      `json:"market,omitempty"`
	Signal      *Signal          `json:"signal,omitempty"`
	Candidate   *SpreadCandidate `json:"candidate,omitempty"`
	Decision    *RiskDecision    `json:"decision,omitempty"`
	Execution   *ExecutionResult `json:"execution,omitempty"`
	Settled     int              `json:"settled,omitempty"` // Expired positions closed before risk
	SettledPnL  decimal.Decimal  `json:"settled_pnl"`
}

// Duration is the wall time the run took.
func (r *RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
