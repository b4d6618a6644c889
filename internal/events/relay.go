package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSRelay forwards dispatched envelopes to an SQS queue for out-of-process
// consumers. Registered with an empty prefix it mirrors the whole stream.
type SQSRelay struct {
	client   sqsAPI
	queueURL string
	logger   *logging.Logger
}

func NewSQSRelay(client *sqs.Client, queueURL string, logger *logging.Logger) *SQSRelay {
	if client == nil {
		panic("events: sqs client required")
	}
	if queueURL == "" {
		panic("events: sqs queue url required")
	}
	return newSQSRelayWithAPI(client, queueURL, logger)
}

func newSQSRelayWithAPI(client sqsAPI, queueURL string, logger *logging.Logger) *SQSRelay {
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSRelay{client: client, queueURL: queueURL, logger: logger}
}

// Handle publishes the full envelope as JSON. SQS hiccups are retried via the
// normal backoff; relayed consumers dedupe on event_id.
func (r *SQSRelay) Handle(ctx context.Context, env Envelope) Result {
	body, err := json.Marshal(env)
	if err != nil {
		return DeadLetter(fmt.Errorf("events: marshal relay envelope: %w", err))
	}
	_, err = r.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return Retry(fmt.Errorf("events: relay send: %w", err))
	}
	r.logger.Debug("envelope relayed", "event_id", env.EventID, "event_name", env.EventName)
	return OK()
}
