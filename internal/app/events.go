package app

import (
	"context"
	"fmt"

	"github.com/cam3ron2/github-gateway/internal/webhook"
	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

// registerWebhookEvents records the repository activity the dashboard follows.
func registerWebhookEvents(handler *webhook.Handler, logger *zap.Logger) {
	handler.On("push", func(_ context.Context, delivery webhook.Envelope, payload any) error {
		event, ok := payload.(*github.PushEvent)
		if !ok {
			return unexpectedPayload("push", payload)
		}
		logger.Info("repository push",
			zap.String("delivery_id", delivery.DeliveryID),
			zap.String("repository", event.GetRepo().GetFullName()),
			zap.String("ref", event.GetRef()),
			zap.Int("commits", len(event.Commits)),
		)
		return nil
	})

	handler.On("issues", func(_ context.Context, delivery webhook.Envelope, payload any) error {
		event, ok := payload.(*github.IssuesEvent)
		if !ok {
			return unexpectedPayload("issues", payload)
		}
		logger.Info("issue activity",
			zap.String("delivery_id", delivery.DeliveryID),
			zap.String("repository", event.GetRepo().GetFullName()),
			zap.String("action", event.GetAction()),
			zap.Int("number", event.GetIssue().GetNumber()),
		)
		return nil
	})

	handler.On("issue_comment", func(_ context.Context, delivery webhook.Envelope, payload any) error {
		event, ok := payload.(*github.IssueCommentEvent)
		if !ok {
			return unexpectedPayload("issue_comment", payload)
		}
		logger.Info("issue comment activity",
			zap.String("delivery_id", delivery.DeliveryID),
			zap.String("repository", event.GetRepo().GetFullName()),
			zap.String("action", event.GetAction()),
			zap.Int("number", event.GetIssue().GetNumber()),
		)
		return nil
	})

	handler.On("pull_request", func(_ context.Context, delivery webhook.Envelope, payload any) error {
		event, ok := payload.(*github.PullRequestEvent)
		if !ok {
			return unexpectedPayload("pull_request", payload)
		}
		logger.Info("pull request activity",
			zap.String("delivery_id", delivery.DeliveryID),
			zap.String("repository", event.GetRepo().GetFullName()),
			zap.String("action", event.GetAction()),
			zap.Int("number", event.GetNumber()),
		)
		return nil
	})
}

func unexpectedPayload(event string, payload any) error {
	return fmt.Errorf("%s delivery decoded to %T", event, payload)
}
