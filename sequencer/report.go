package sequencer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AssetState is the activation progress of one market.
type AssetState string

const (
	NotDeployed AssetState = "NotDeployed"
	Deployed    AssetState = "Deployed"
	PriceFed    AssetState = "PriceFed"
	Activated   AssetState = "Activated"
	Configured  AssetState = "Configured"
)

var stateOrder = map[AssetState]int{
	NotDeployed: 0,
	Deployed:    1,
	PriceFed:    2,
	Activated:   3,
	Configured:  4,
}

// Step outcomes.
const (
	OutcomeChecked   = "checked"
	OutcomeSubmitted = "submitted"
	OutcomeBlocked   = "blocked"
)

// Step is one line of the run transcript.
type Step struct {
	Phase   Phase  `json:"phase"`
	Subject string `json:"subject"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
}

// AssetReport is the final state of one market.
type AssetReport struct {
	Key     string     `json:"key"`
	Address string     `json:"address,omitempty"`
	State   AssetState `json:"state"`
}

// Report is the transcript of one run.
type Report struct {
	RunID    string            `json:"runId"`
	Network  string            `json:"network"`
	ChainID  int64             `json:"chainId"`
	DryRun   bool              `json:"dryRun"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Steps    []Step            `json:"steps"`
	Assets   []AssetReport     `json:"assets"`
	Registry map[string]string `json:"registry"`
	Error    string            `json:"error,omitempty"`
	ErrKind  string            `json:"errorKind,omitempty"`
}

func newReport(network string, chainID int64, dryRun bool, now time.Time) *Report {
	return &Report{
		RunID:    uuid.NewString(),
		Network:  network,
		ChainID:  chainID,
		DryRun:   dryRun,
		Started:  now,
		Registry: map[string]string{},
	}
}

func (r *Report) add(phase Phase, subject, outcome, detail string, tx common.Hash) {
	step := Step{Phase: phase, Subject: subject, Outcome: outcome, Detail: detail}
	if tx != (common.Hash{}) {
		step.TxHash = tx.Hex()
	}
	r.Steps = append(r.Steps, step)
}

// Count returns how many steps ended with outcome.
func (r *Report) Count(outcome string) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == outcome {
			n++
		}
	}
	return n
}

// Asset returns the final state of the market with key.
func (r *Report) Asset(key string) (AssetReport, bool) {
	for _, a := range r.Assets {
		if a.Key == key {
			return a, true
		}
	}
	return AssetReport{}, false
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
