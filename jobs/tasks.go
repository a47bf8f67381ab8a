package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeExpirySweep is the task type for the periodic pass expiry sweep.
	TaskTypeExpirySweep = "pass:expiry_sweep"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// NewExpirySweepTask constructs the sweep task registered with the cron
// scheduler. The sweep reads its cutoff from the wall clock at execution
// time, so the task carries no payload.
func NewExpirySweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeExpirySweep, nil)
}
