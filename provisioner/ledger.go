package provisioner

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ruteri/host-provisioner/cryptoutils"
	"github.com/ruteri/host-provisioner/handshake"
	"github.com/ruteri/host-provisioner/interfaces"
	"github.com/ruteri/host-provisioner/metrics"
)

// Outcome of one stage in the ledger.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// StageRecord is one ledger line.
type StageRecord struct {
	Stage      string    `json:"stage"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Status is a point-in-time copy of the ledger.
type Status struct {
	Hostname  string                    `json:"hostname"`
	Mode      string                    `json:"mode"`
	Stage     string                    `json:"stage"`
	Handshake string                    `json:"handshake,omitempty"`
	PublicKey string                    `json:"public_key,omitempty"`
	Register  string                    `json:"registration_url,omitempty"`
	Pending   *interfaces.PendingAction `json:"pending,omitempty"`
	History   []StageRecord             `json:"history"`
}

// Ledger records which stage is running and which destructive steps have
// completed. It mirrors itself to a JSON status file after every change so a
// failed run can be diagnosed after the fact. It is safe for concurrent
// readers.
type Ledger struct {
	current atomic.Int32

	mu        sync.Mutex
	hostname  string
	mode      string
	handshake string
	publicKey string
	register  string
	pending   interfaces.PendingAction
	history   []StageRecord

	statusPath string
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// NewLedger returns an empty ledger. An empty statusPath keeps it in memory.
func NewLedger(statusPath string, m *metrics.Metrics, log *slog.Logger) *Ledger {
	return &Ledger{
		statusPath: statusPath,
		metrics:    m,
		log:        log,
	}
}

// Current returns the stage being executed.
func (l *Ledger) Current() interfaces.Stage {
	return interfaces.Stage(l.current.Load())
}

func (l *Ledger) SetIdentity(hostname string, mode Mode) {
	l.mu.Lock()
	l.hostname = hostname
	l.mode = string(mode)
	l.mu.Unlock()
	l.persist()
}

// SetPublicKey records the host public key and where it must be registered.
func (l *Ledger) SetPublicKey(publicKey, registrationURL string) {
	l.mu.Lock()
	l.publicKey = publicKey
	l.register = registrationURL
	l.mu.Unlock()
	l.persist()
}

// Begin marks stage as running.
func (l *Ledger) Begin(stage interfaces.Stage) {
	l.current.Store(int32(stage))
	l.metrics.SetStage(stage)

	l.mu.Lock()
	l.history = append(l.history, StageRecord{
		Stage:     stage.String(),
		Outcome:   OutcomeRunning,
		StartedAt: time.Now().UTC(),
	})
	l.mu.Unlock()
	l.persist()
}

// Finish closes the running record of stage with the outcome of err.
func (l *Ledger) Finish(stage interfaces.Stage, err error) {
	l.mu.Lock()
	for i := len(l.history) - 1; i >= 0; i-- {
		rec := &l.history[i]
		if rec.Stage != stage.String() || rec.Outcome != OutcomeRunning {
			continue
		}
		rec.FinishedAt = time.Now().UTC()
		rec.Outcome = OutcomeCompleted
		if err != nil {
			rec.Outcome = OutcomeFailed
			rec.Error = err.Error()
		}
		break
	}
	l.mu.Unlock()
	l.persist()
}

// Skip records that stage does not apply to this run.
func (l *Ledger) Skip(stage interfaces.Stage) {
	now := time.Now().UTC()
	l.mu.Lock()
	l.history = append(l.history, StageRecord{
		Stage:      stage.String(),
		Outcome:    OutcomeSkipped,
		StartedAt:  now,
		FinishedAt: now,
	})
	l.mu.Unlock()
	l.persist()
}

// LastCompleted returns the latest stage that finished successfully.
func (l *Ledger) LastCompleted() (interfaces.Stage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.history) - 1; i >= 0; i-- {
		if l.history[i].Outcome != OutcomeCompleted {
			continue
		}
		for _, s := range interfaces.AllStages() {
			if s.String() == l.history[i].Stage {
				return s, true
			}
		}
	}
	return interfaces.StageParseIntent, false
}

// HandshakeState implements handshake.Observer.
func (l *Ledger) HandshakeState(s handshake.State) {
	l.mu.Lock()
	l.handshake = s.String()
	l.mu.Unlock()
	l.persist()
}

// SetPending implements handshake.Observer.
func (l *Ledger) SetPending(action interfaces.PendingAction) {
	l.mu.Lock()
	l.pending = action
	l.mu.Unlock()
	l.persist()
}

func (l *Ledger) Snapshot() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := Status{
		Hostname:  l.hostname,
		Mode:      l.mode,
		Stage:     l.Current().String(),
		Handshake: l.handshake,
		PublicKey: l.publicKey,
		Register:  l.register,
		History:   append([]StageRecord(nil), l.history...),
	}
	if l.pending != (interfaces.PendingAction{}) {
		pending := l.pending
		status.Pending = &pending
	}
	return status
}

func (l *Ledger) persist() {
	if l.statusPath == "" {
		return
	}

	data, err := json.MarshalIndent(l.Snapshot(), "", "  ")
	if err != nil {
		l.log.Warn("could not encode status", "err", err)
		return
	}
	if err := cryptoutils.WriteSecretFile(l.statusPath, append(data, '\n'), 0o600); err != nil {
		l.log.Warn("could not write status file", slog.String("path", l.statusPath), "err", err)
	}
}
