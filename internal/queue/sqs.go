package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

// maxSQSWait is the SQS long-poll ceiling.
const maxSQSWait = 20 * time.Second

type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewSQSClient builds an SQS client; a non-empty endpoint targets a local emulator.
func NewSQSClient(awsCfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

type sqsQueue struct {
	client     SQSClient
	url        string
	visibility time.Duration
}

func newSQSQueue(cfg Config) (Queue, error) {
	url := strings.TrimSpace(cfg.QueueURL)
	if url == "" {
		return nil, fmt.Errorf("%w: sqs queue url is required", ErrInvalidConfig)
	}
	if cfg.SQSClient == nil {
		return nil, fmt.Errorf("%w: sqs client is required", ErrInvalidConfig)
	}
	return &sqsQueue{client: cfg.SQSClient, url: url, visibility: cfg.Visibility}, nil
}

func (q *sqsQueue) Send(ctx context.Context, body []byte) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("queue/sqs: send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *sqsQueue) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if wait > maxSQSWait {
		wait = maxSQSWait
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   seconds(q.visibility),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue/sqs: receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	msg := out.Messages[0]
	d := &Delivery{
		ID:            aws.ToString(msg.MessageId),
		Body:          []byte(aws.ToString(msg.Body)),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		ReceiveCount:  1,
	}
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.ReceiveCount = n
		}
	}
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			d.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
	}
	return d, nil
}

func (q *sqsQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if isStaleReceipt(err) {
		return fmt.Errorf("queue/sqs: delete: %w: %w", ErrStaleReceipt, err)
	}
	if err != nil {
		return fmt.Errorf("queue/sqs: delete: %w", err)
	}
	return nil
}

func (q *sqsQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds(timeout),
	})
	if isStaleReceipt(err) {
		return fmt.Errorf("queue/sqs: change visibility: %w: %w", ErrStaleReceipt, err)
	}
	if err != nil {
		return fmt.Errorf("queue/sqs: change visibility: %w", err)
	}
	return nil
}

// isStaleReceipt reports whether SQS rejected a receipt handle because its
// lease ended or a newer receive replaced it.
func isStaleReceipt(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ReceiptHandleIsInvalid", "MessageNotInflight", "AWS.SimpleQueueService.MessageNotInflight":
		return true
	case "InvalidParameterValue":
		return strings.Contains(apiErr.ErrorMessage(), "ReceiptHandle")
	default:
		return false
	}
}

type sqsAttributesClient interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Ping reads the queue's attributes, which needs both network reach and permissions.
func (q *sqsQueue) Ping(ctx context.Context) error {
	c, ok := q.client.(sqsAttributesClient)
	if !ok {
		return nil
	}
	_, err := c.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("queue/sqs: ping: %w", err)
	}
	return nil
}

func (q *sqsQueue) Close() error { return nil }

// seconds rounds d up to whole seconds, the granularity SQS accepts.
func seconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32(math.Ceil(d.Seconds()))
}
