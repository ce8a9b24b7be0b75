package accounting

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pysugar/anygate/internal/store"
)

// StatusClientClosed is the synthetic status recorded when the client
// disconnects before the response completes.
const StatusClientClosed = 499

// Recorder creates and finalizes per-request Log rows.
type Recorder struct {
	store *store.Store
}

func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Entry tracks one in-flight request. Finalize runs at most once regardless
// of how many exit paths reach it.
type Entry struct {
	ID string

	recorder       *Recorder
	exclusiveKeyID *uint
	officialKeyID  *uint
	userID         *uint
	model          string
	isStream       bool

	start      time.Time
	firstChunk time.Time
	once       sync.Once
}

// StartOptions identifies the request being recorded. Key and user IDs are
// nil for pass-through credentials the gateway does not own. InputTokens is
// the count over the message list as it goes upstream, known before dispatch.
type StartOptions struct {
	ExclusiveKeyID *uint
	OfficialKeyID  *uint
	UserID         *uint
	Model          string
	IsStream       bool
	InputTokens    int
}

// Start inserts a processing Log row before upstream dispatch. Insert
// failures are logged and do not block the request.
func (r *Recorder) Start(opts StartOptions) *Entry {
	e := &Entry{
		ID:             uuid.NewString(),
		recorder:       r,
		exclusiveKeyID: opts.ExclusiveKeyID,
		officialKeyID:  opts.OfficialKeyID,
		userID:         opts.UserID,
		model:          opts.Model,
		isStream:       opts.IsStream,
		start:          time.Now(),
	}
	row := store.Log{
		ID:             e.ID,
		ExclusiveKeyID: e.exclusiveKeyID,
		OfficialKeyID:  e.officialKeyID,
		UserID:         e.userID,
		Model:          e.model,
		Status:         store.LogStatusProcessing,
		IsStream:       e.isStream,
		InputTokens:    opts.InputTokens,
	}
	if err := r.store.DB.Create(&row).Error; err != nil {
		log.Errorf("create log row %s: %v", e.ID, err)
	}
	return e
}

// FirstChunk marks time-to-first-token. Only the first call counts.
func (e *Entry) FirstChunk() {
	if e.firstChunk.IsZero() {
		e.firstChunk = time.Now()
	}
}

// Finalize closes the Log row and applies the outcome to the official key in
// one transaction. Safe to call from multiple exit paths; only the first
// call takes effect. Persistence failures are logged, never surfaced to the
// client.
func (e *Entry) Finalize(statusCode, inputTokens, outputTokens int) {
	e.once.Do(func() {
		status := store.LogStatusError
		success := statusCode >= 200 && statusCode < 300
		if success {
			status = store.LogStatusOK
		}
		latency := time.Since(e.start).Seconds()
		// Without a first-chunk mark (non-streaming) the whole wait was the
		// time to first token.
		ttft := latency
		if !e.firstChunk.IsZero() {
			ttft = e.firstChunk.Sub(e.start).Seconds()
		}

		err := e.recorder.store.DB.Transaction(func(tx *gorm.DB) error {
			updates := map[string]any{
				"status":        status,
				"status_code":   statusCode,
				"latency":       latency,
				"ttft":          ttft,
				"input_tokens":  inputTokens,
				"output_tokens": outputTokens,
			}
			if err := tx.Model(&store.Log{}).Where("id = ?", e.ID).Updates(updates).Error; err != nil {
				return err
			}
			// 499 means the client went away; the upstream key did nothing
			// wrong, so its counters stay untouched.
			if e.officialKeyID != nil && statusCode != StatusClientClosed {
				return e.recorder.store.Pool.RecordOutcomeTx(tx, *e.officialKeyID,
					success, statusCode, inputTokens, outputTokens)
			}
			return nil
		})
		if err != nil {
			log.Errorf("finalize log row %s: %v", e.ID, err)
		}
	})
}
