// Package notify turns workflow events into queued emails. Every dispatch is
// best-effort: failures are logged and never surfaced to the operation that
// triggered them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/passage-gms/passage/internal/pass"
	"github.com/passage-gms/passage/internal/tenant"
	"github.com/passage-gms/passage/jobs"
)

// QueuePort enqueues outbound mail tasks.
type QueuePort interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// TenantPort resolves user contact details.
type TenantPort interface {
	Requester(ctx context.Context, tenantID, userID int64) (tenant.Requester, error)
}

// Notifier builds and enqueues workflow notifications.
type Notifier struct {
	queue   QueuePort
	tenants TenantPort
	logger  *slog.Logger
}

// NewNotifier constructs a Notifier.
func NewNotifier(queue QueuePort, tenants TenantPort, logger *slog.Logger) *Notifier {
	return &Notifier{queue: queue, tenants: tenants, logger: logger}
}

// ApprovalRequested asks an approver to review a pending pass.
func (n *Notifier) ApprovalRequested(ctx context.Context, approver tenant.Approver, p pass.Pass) {
	n.enqueue(ctx, jobs.SendEmailPayload{
		To:      approver.Email,
		Subject: fmt.Sprintf("Approval requested: %s", p.Number),
		Body: fmt.Sprintf("Hello %s,\n\nPass %s (%s) is awaiting your approval at level %d of %d.\nPurpose: %s\nValid: %s to %s\n",
			approver.Name, p.Number, p.Type, p.ApprovalLevel+1, p.RequiredLevels,
			p.Purpose, p.ValidFrom.Format(time.RFC1123), p.ValidTo.Format(time.RFC1123)),
	})
}

// StatusChanged tells the requester about a decision on their pass.
func (n *Notifier) StatusChanged(ctx context.Context, requester tenant.Requester, p pass.Pass, status pass.Status, remarks string) {
	body := fmt.Sprintf("Hello %s,\n\nYour pass %s is now %s.\n", requester.Name, p.Number, status)
	if remarks != "" {
		body += fmt.Sprintf("Remarks: %s\n", remarks)
	}
	n.enqueue(ctx, jobs.SendEmailPayload{
		To:      requester.Email,
		Subject: fmt.Sprintf("Pass %s: %s", p.Number, status),
		Body:    body,
	})
}

// Arrival alerts the host that their visitor has checked in.
func (n *Notifier) Arrival(ctx context.Context, p pass.Pass, visitor pass.Person) {
	host, err := n.tenants.Requester(ctx, p.TenantID, p.HostID)
	if err != nil {
		if n.logger != nil {
			n.logger.Warn("lookup host", slog.String("pass", p.Number), slog.Any("error", err))
		}
		return
	}
	n.enqueue(ctx, jobs.SendEmailPayload{
		To:      host.Email,
		Subject: fmt.Sprintf("Visitor arrived: %s", visitor.Name),
		Body: fmt.Sprintf("Hello %s,\n\nYour visitor %s has checked in on pass %s.\n",
			host.Name, visitor.Name, p.Number),
	})
}

func (n *Notifier) enqueue(ctx context.Context, payload jobs.SendEmailPayload) {
	if n.queue == nil || payload.To == "" {
		return
	}
	if _, err := n.queue.EnqueueSendEmail(ctx, payload); err != nil && n.logger != nil {
		n.logger.Warn("enqueue notification", slog.String("to", payload.To), slog.Any("error", err))
	}
}
