package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Moro-JS/moro-sub006/job"
)

// jobModel is the BSON shape of a job document. The seq field captures
// enqueue order so dispatch stays FIFO within a priority tier, and opts
// is stored as its JSON encoding so option shape changes never require
// a collection migration.
type jobModel struct {
	ID           string     `bson:"_id"`
	Queue        string     `bson:"queue"`
	Payload      []byte     `bson:"payload,omitempty"`
	State        string     `bson:"state"`
	Priority     int        `bson:"priority"`
	Seq          int64      `bson:"seq"`
	Progress     int        `bson:"progress"`
	AttemptsMade int        `bson:"attempts_made"`
	Result       []byte     `bson:"result,omitempty"`
	FailedReason string     `bson:"failed_reason,omitempty"`
	Stacktrace   []string   `bson:"stacktrace,omitempty"`
	Logs         []string   `bson:"logs,omitempty"`
	Opts         []byte     `bson:"opts"`
	RunAt        time.Time  `bson:"run_at"`
	StartedAt    *time.Time `bson:"started_at,omitempty"`
	FinishedAt   *time.Time `bson:"finished_at,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	optsRaw, err := json.Marshal(j.Opts)
	if err != nil {
		return nil, fmt.Errorf("moroq/mongo: encode opts: %w", err)
	}
	return &jobModel{
		ID:           j.ID,
		Queue:        j.Queue,
		Payload:      j.Payload,
		State:        string(j.State),
		Priority:     j.Opts.Priority,
		Seq:          j.CreatedAt.UnixNano(),
		Progress:     j.Progress,
		AttemptsMade: j.AttemptsMade,
		Result:       j.Result,
		FailedReason: j.FailedReason,
		Stacktrace:   j.Stacktrace,
		Logs:         j.Logs,
		Opts:         optsRaw,
		RunAt:        j.RunAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	j := &job.Job{
		ID:           m.ID,
		Queue:        m.Queue,
		Payload:      m.Payload,
		State:        job.State(m.State),
		Progress:     m.Progress,
		AttemptsMade: m.AttemptsMade,
		Result:       m.Result,
		FailedReason: m.FailedReason,
		Stacktrace:   m.Stacktrace,
		Logs:         m.Logs,
		RunAt:        m.RunAt,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
	j.CreatedAt = m.CreatedAt
	j.UpdatedAt = m.UpdatedAt
	if err := json.Unmarshal(m.Opts, &j.Opts); err != nil {
		return nil, fmt.Errorf("moroq/mongo: decode opts for %s: %w", m.ID, err)
	}
	return j, nil
}
