// Package types contains public API types for the benchmark engine.
// These types cross process boundaries (IPC, result files, HTTP API) and must remain
// backwards-compatible.
package types

import (
	"encoding/json"
	"time"
)

// Operation is the kind of ledger operation a transaction performed.
type Operation string

const (
	OpQuery  Operation = "query"
	OpInvoke Operation = "invoke"
)

// SimulKey is the reserved RoundResult key holding the combined view of both networks.
const SimulKey = "simul"

// TxStatus is one observed transaction. Zero timestamps mean the stage does not apply
// to the ledger pipeline.
type TxStatus struct {
	ID          string    `json:"id,omitempty"`
	Operation   Operation `json:"operation"`
	Committed   bool      `json:"committed"`
	TimeCreate  time.Time `json:"timeCreate"`
	TimeEndorse time.Time `json:"timeEndorse,omitzero"`
	TimeOrder   time.Time `json:"timeOrder,omitzero"`
	TimeCommit  time.Time `json:"timeCommit,omitzero"`
}

// TxPair is the same logical transaction observed on network A and network B.
type TxPair struct {
	A TxStatus `json:"a"`
	B TxStatus `json:"b"`
}

// Seconds converts a timestamp into float seconds since epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Bounds is a min/max pair in seconds since epoch.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Delay aggregates end-to-end delays in seconds.
type Delay struct {
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Sum    float64   `json:"sum"`
	Detail []float64 `json:"detail"`
}

// DefaultTxStats aggregates transactions of one operation kind.
// Create, Final and Delay are only meaningful when Succ > 0.
// The zero value is the null aggregate.
type DefaultTxStats struct {
	Succ   int    `json:"succ"`
	Fail   int    `json:"fail"`
	Create Bounds `json:"create"`
	Final  Bounds `json:"final"`
	Delay  Delay  `json:"delay"`
}

// IsNull reports whether the aggregate holds no observations.
func (s DefaultTxStats) IsNull() bool {
	return s.Succ == 0 && s.Fail == 0
}

// DetailedDelayStats holds pipeline stage sums for committed invoke transactions.
type DetailedDelayStats struct {
	Succ     int     `json:"succ"`
	S2ESum   float64 `json:"s2e_sum"`
	E2OSum   float64 `json:"e2o_sum"`
	O2FSum   float64 `json:"o2f_sum"`
	DelaySum float64 `json:"delay_sum"`
}

// IsNull reports whether the aggregate holds no observations.
func (s DetailedDelayStats) IsNull() bool {
	return s.Succ == 0
}

// StatsBundle is the per-network round result.
type StatsBundle struct {
	Query    DefaultTxStats     `json:"query_stats"`
	Invoke   DefaultTxStats     `json:"invoke_stats"`
	Overall  DefaultTxStats     `json:"overall_stats"`
	Detailed DetailedDelayStats `json:"detailed_delay_stats"`
}

// RoundResult maps a network name (or SimulKey) to its bundle.
type RoundResult map[string]StatsBundle

// RateControlSpec names a rate-control policy and carries its raw options.
type RateControlSpec struct {
	Type string          `json:"type" yaml:"type"`
	Opts json.RawMessage `json:"opts,omitempty" yaml:"-"`
}

// RoundSpec is the immutable description of one benchmark round.
// Exactly one of TxNumber and TxDuration is positive.
type RoundSpec struct {
	Label       string          `json:"label"`
	RateControl RateControlSpec `json:"rateControl"`
	Trim        int             `json:"trim"`
	TxNumber    int             `json:"numb,omitempty"`
	TxDuration  int             `json:"txDuration,omitempty"` // seconds
	Arguments   json.RawMessage `json:"args,omitempty"`
	Callback    string          `json:"cb"`
	RoundIdx    int             `json:"roundIdx"`
}

// DurationMode reports whether the round is driven by wall-clock time.
func (r RoundSpec) DurationMode() bool {
	return r.TxDuration > 0
}

// Duration returns the configured round duration.
func (r RoundSpec) Duration() time.Duration {
	return time.Duration(r.TxDuration) * time.Second
}

// WorkerState is the worker driver's lifecycle state.
type WorkerState string

const (
	WorkerIdle         WorkerState = "idle"
	WorkerInitializing WorkerState = "initializing"
	WorkerIssuing      WorkerState = "issuing"
	WorkerDraining     WorkerState = "draining"
	WorkerReporting    WorkerState = "reporting"
)

// RoundState is the orchestrator's per-round state.
type RoundState string

const (
	RoundPending    RoundState = "pending"
	RoundDispatched RoundState = "dispatched"
	RoundSettled    RoundState = "settled"
	RoundFailed     RoundState = "failed"
)

// RunState is the state of a whole benchmark run.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// SummaryRow is the reportable view of a DefaultTxStats.
// Nil fields are not applicable (empty input or degenerate window).
type SummaryRow struct {
	Succ     int      `json:"succ"`
	Fail     int      `json:"fail"`
	SendRate *float64 `json:"send_rate"`
	MaxDelay *float64 `json:"max_delay"`
	MinDelay *float64 `json:"min_delay"`
	PA95     *float64 `json:"pa95_delay"`
	PA99     *float64 `json:"pa99_delay"`
	AvgDelay *float64 `json:"avg_delay"`
	Thruput  *float64 `json:"thruput"`
}

// DetailRow is the reportable view of a DetailedDelayStats.
type DetailRow struct {
	Succ     int      `json:"succ"`
	AvgS2E   *float64 `json:"avg_s2e"`
	AvgE2O   *float64 `json:"avg_e2o"`
	AvgO2F   *float64 `json:"avg_o2f"`
	AvgDelay *float64 `json:"avg_delay"`
}

// NetworkReport is one network's entry in the result file.
type NetworkReport struct {
	Query   *SummaryRow `json:"query,omitempty"`
	Invoke  *SummaryRow `json:"invoke,omitempty"`
	Overall *SummaryRow `json:"overall,omitempty"`
	Detail  *DetailRow  `json:"detail,omitempty"`
}

// RoundReport maps network name to its report for one round.
type RoundReport map[string]NetworkReport

// Progress is one live update observed by the master.
type Progress struct {
	Timestamp time.Time `json:"timestamp"`
	Submitted int       `json:"submitted"`
	Succ      int       `json:"succ"`
	Fail      int       `json:"fail"`
}

// BenchStatus is the master's live status snapshot.
type BenchStatus struct {
	RunID       string     `json:"runId,omitempty"`
	State       RunState   `json:"state"`
	Name        string     `json:"name,omitempty"`
	Round       string     `json:"round,omitempty"`
	RoundIdx    int        `json:"roundIdx"`
	TotalRounds int        `json:"totalRounds"`
	RoundState  RoundState `json:"roundState,omitempty"`
	Workers     int        `json:"workers"`
	Submitted   int        `json:"submitted"`
	Succ        int        `json:"succ"`
	Fail        int        `json:"fail"`
	SendRate    float64    `json:"sendRate"`   // smoothed, tx/s
	CommitRate  float64    `json:"commitRate"` // smoothed, tx/s
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}
