package core

import (
	"context"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// NotificationProcessor turns queued notification ids into relayed mails.
type NotificationProcessor struct {
	repo NotificationRepository
	mail MailClient
	from string
}

func NewNotificationProcessor(repo NotificationRepository, mail MailClient, from string) *NotificationProcessor {
	return &NotificationProcessor{repo: repo, mail: mail, from: from}
}

// Process handles one job (notification id as string from the queue).
// A non-nil error means the job should be retried, except
// ErrNotificationNotPending which means another worker already owns it.
func (p *NotificationProcessor) Process(ctx context.Context, jobID string) error {
	id, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return err
	}

	n, err := p.repo.AcquirePending(ctx, id)
	if err != nil {
		return err
	}

	var msg MailMessage
	switch n.Kind {
	case NotificationKindRegistration:
		msg = registrationMessage(p.from, n.Recipient)
	default:
		errMsg := fmt.Sprintf("unknown notification kind %q", n.Kind)
		if err := p.repo.MarkStatus(ctx, id, NotificationFailed, &errMsg); err != nil {
			log.WithError(err).WithField("notification_id", id).Error("failed to mark notification failed")
		}
		return nil
	}

	if err := p.mail.Send(ctx, msg); err != nil {
		return fmt.Errorf("send notification %d: %w", id, err)
	}
	if err := p.repo.MarkStatus(ctx, id, NotificationSent, nil); err != nil {
		return fmt.Errorf("mark notification %d sent: %w", id, err)
	}
	return nil
}
