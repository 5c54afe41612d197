package qbsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"bitbucket.org/brokermate/crm_backend/config"
)

func PublishSyncRun(ctx context.Context, runId uint, connectionId uint) error {
	topicName := strings.TrimSpace(os.Getenv("QBO_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "quickbooks-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("QBO_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncPubSubPayload{RunId: runId, ConnectionId: connectionId}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives push deliveries for queued sync runs. It always
// answers 204 for malformed bodies so the subscription does not redeliver
// garbage forever.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_QBO_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 {
			c.Status(204)
			return
		}

		if err := processSyncRun(c.Request.Context(), payload); err != nil {
			config.LogError(config.GetLogger(), "qbsync", "PubSubPushHandler", "", payload, err)
			// Lock contention comes back as a retryable 500; everything else
			// is acked to stop redelivery.
			if errors.Is(err, errRunLockHeld) {
				c.Status(500)
				return
			}
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
