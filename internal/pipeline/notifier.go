package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/caremesh/registrar/pkg/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultNotificationStreamKey  = "registrar:notifications"
	defaultNotificationMaxLen     = int64(100000)
	defaultNotificationPayloadTTL = 24 * 60 * 60 // seconds

	notificationSchemaVersionV1 = 1
)

// DispatchResult is the notifier collaborator's acknowledgement.
type DispatchResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id"`
}

// Notifier is the external notification collaborator boundary.
type Notifier interface {
	DispatchNotification(ctx context.Context, subjectID int64, channel string, payload map[string]any) (DispatchResult, error)
}

type notificationStreamClient interface {
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	XAdd(ctx context.Context, args *redis.XAddArgs) (string, error)
	Del(ctx context.Context, keys ...string) error
}

type notificationEnvelopeV1 struct {
	SchemaVersion int            `json:"schema_version"`
	MessageID     string         `json:"message_id"`
	SubjectID     int64          `json:"subject_id"`
	Channel       string         `json:"channel"`
	Payload       map[string]any `json:"payload"`
	EnqueueTS     int64          `json:"enqueue_ts"`
}

// RedisStreamNotifier hands notifications to the out-of-process notifier
// service through a capped Redis stream: payload under a TTL'd key, stream
// entry carrying the reference. Transport failures are transient.
type RedisStreamNotifier struct {
	redis     notificationStreamClient
	logger    *slog.Logger
	streamKey string
	maxLen    int64
}

func NewRedisStreamNotifier(redisClient notificationStreamClient, logger *slog.Logger) *RedisStreamNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStreamNotifier{
		redis:     redisClient,
		logger:    logger.With("component", "notification_stream"),
		streamKey: getEnvString("NOTIFICATION_STREAM_KEY", defaultNotificationStreamKey),
		maxLen:    getEnvInt64("NOTIFICATION_STREAM_MAXLEN", defaultNotificationMaxLen),
	}
}

func (n *RedisStreamNotifier) DispatchNotification(ctx context.Context, subjectID int64, channel string, payload map[string]any) (DispatchResult, error) {
	if channel == "" {
		return DispatchResult{}, common.NonRetryable(fmt.Errorf("subject %d has no deliverable channel", subjectID))
	}

	messageID := uuid.New().String()
	envelope, err := json.Marshal(notificationEnvelopeV1{
		SchemaVersion: notificationSchemaVersionV1,
		MessageID:     messageID,
		SubjectID:     subjectID,
		Channel:       channel,
		Payload:       payload,
		EnqueueTS:     time.Now().UnixMilli(),
	})
	if err != nil {
		return DispatchResult{}, common.NonRetryable(fmt.Errorf("marshal notification envelope: %w", err))
	}

	payloadTTL := time.Duration(getEnvInt("NOTIFICATION_PAYLOAD_TTL_SEC", defaultNotificationPayloadTTL)) * time.Second
	payloadRef := common.NotificationKeyPrefix + messageID
	if err := n.redis.Set(ctx, payloadRef, string(envelope), payloadTTL); err != nil {
		notificationDispatchTotal.WithLabelValues("error", "payload_set_failed").Inc()
		return DispatchResult{}, common.Retryable(fmt.Errorf("set notification payload: %w", err))
	}

	entryID, err := n.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: n.streamKey,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"message_id":  messageID,
			"subject_id":  subjectID,
			"channel":     channel,
			"payload_ref": payloadRef,
		},
	})
	if err != nil {
		if delErr := n.redis.Del(ctx, payloadRef); delErr != nil {
			n.logger.Warn("Notification payload cleanup failed after XADD error",
				"subject_id", subjectID,
				"reason", "payload_cleanup_failed",
				"payload_ref", payloadRef,
				"error", delErr,
			)
		}
		notificationDispatchTotal.WithLabelValues("error", "xadd_failed").Inc()
		return DispatchResult{}, common.Retryable(fmt.Errorf("notification stream enqueue: %w", err))
	}

	notificationDispatchTotal.WithLabelValues("ok", "ok").Inc()
	n.logger.Info("Notification dispatched",
		"subject_id", subjectID,
		"channel", channel,
		"message_id", messageID,
		"stream_entry_id", entryID,
	)
	return DispatchResult{Success: true, ProviderMessageID: messageID}, nil
}
