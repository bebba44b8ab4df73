package queue

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "unsupported driver", cfg: Config{Driver: "kafka"}},
		{name: "sqs missing url", cfg: Config{Driver: DriverSQS, SQSClient: &fakeSQSClient{}}},
		{name: "sqs missing client", cfg: Config{Driver: DriverSQS, QueueURL: "https://sqs.local/q"}},
		{name: "redis missing client", cfg: Config{Driver: DriverRedis, Name: "jobs"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	q, err := New(Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.NotNil(t, q)
}

// --- Memory ---

func TestMemoryQueue_SendReceiveDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, 3)

	id, err := q.Send(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)

	d, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, `{"a":1}`, string(d.Body))
	assert.Equal(t, 1, d.ReceiveCount)
	assert.False(t, d.EnqueuedAt.IsZero())

	// Leased: hidden from other consumers.
	again, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, q.Delete(ctx, d.ReceiptHandle))
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueue_ReceiveWaitsThenReturnsNil(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(time.Minute, 3)

	start := time.Now()
	d, err := q.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_ReceiveStopsOnCancel(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(time.Minute, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemoryQueue_LeaseExpiryRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemoryQueue(30*time.Millisecond, 3)

	_, err := q.Send(ctx, []byte("job"))
	require.NoError(t, err)

	first, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Receive(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.ReceiveCount)

	// The first consumer's lease is gone.
	assert.ErrorIs(t, q.Delete(ctx, first.ReceiptHandle), ErrStaleReceipt)
	require.NoError(t, q.Delete(ctx, second.ReceiptHandle))
}

func TestMemoryQueue_ChangeVisibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemoryQueue(30*time.Millisecond, 3)

	_, err := q.Send(ctx, []byte("job"))
	require.NoError(t, err)
	d, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.ChangeVisibility(ctx, d.ReceiptHandle, time.Minute))
	time.Sleep(60 * time.Millisecond)
	hidden, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, hidden, "extended lease must keep the message hidden")

	require.NoError(t, q.ChangeVisibility(ctx, d.ReceiptHandle, 0))
	released, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, 2, released.ReceiveCount)
}

func TestMemoryQueue_RedriveToDeadLetter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, 2)

	_, err := q.Send(ctx, []byte("poison"))
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		d, err := q.Receive(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, i, d.ReceiveCount)
		require.NoError(t, q.ChangeVisibility(ctx, d.ReceiptHandle, 0))
	}

	d, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, [][]byte{[]byte("poison")}, q.DeadLetters())
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueue_Closed(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(time.Minute, 3)
	require.NoError(t, q.Close())

	_, err := q.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Receive(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

// --- SQS ---

func TestSQSQueue_Receive(t *testing.T) {
	t.Parallel()

	sent := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	client := &fakeSQSClient{
		receiveFn: func(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			assert.Equal(t, "https://sqs.local/jobs", aws.ToString(in.QueueUrl))
			assert.Equal(t, int32(1), in.MaxNumberOfMessages)
			assert.Equal(t, int32(20), in.WaitTimeSeconds)
			assert.Equal(t, int32(300), in.VisibilityTimeout)
			assert.Contains(t, in.MessageSystemAttributeNames, types.MessageSystemAttributeNameApproximateReceiveCount)
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
				MessageId:     aws.String("m-1"),
				Body:          aws.String(`{"prediction_id":"x"}`),
				ReceiptHandle: aws.String("rh-1"),
				Attributes: map[string]string{
					"ApproximateReceiveCount": "2",
					"SentTimestamp":           strconv.FormatInt(sent.UnixMilli(), 10),
				},
			}}}, nil
		},
	}
	q, err := New(Config{Driver: DriverSQS, QueueURL: "https://sqs.local/jobs", SQSClient: client, Visibility: 300 * time.Second})
	require.NoError(t, err)

	d, err := q.Receive(context.Background(), 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "m-1", d.ID)
	assert.Equal(t, "rh-1", d.ReceiptHandle)
	assert.Equal(t, 2, d.ReceiveCount)
	assert.Equal(t, sent, d.EnqueuedAt)
}

func TestSQSQueue_ReceiveEmpty(t *testing.T) {
	t.Parallel()

	client := &fakeSQSClient{
		receiveFn: func(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{}, nil
		},
	}
	q, err := New(Config{Driver: DriverSQS, QueueURL: "https://sqs.local/jobs", SQSClient: client})
	require.NoError(t, err)

	d, err := q.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSQSQueue_SendDeleteChangeVisibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := &fakeSQSClient{
		sendFn: func(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			assert.Equal(t, "payload", aws.ToString(in.MessageBody))
			return &sqs.SendMessageOutput{MessageId: aws.String("m-9")}, nil
		},
		deleteFn: func(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
			assert.Equal(t, "rh-9", aws.ToString(in.ReceiptHandle))
			return &sqs.DeleteMessageOutput{}, nil
		},
		visibilityFn: func(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
			assert.Equal(t, int32(2), in.VisibilityTimeout, "sub-second remainder rounds up")
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		},
	}
	q, err := New(Config{Driver: DriverSQS, QueueURL: "https://sqs.local/jobs", SQSClient: client})
	require.NoError(t, err)

	id, err := q.Send(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "m-9", id)

	require.NoError(t, q.ChangeVisibility(ctx, "rh-9", 1500*time.Millisecond))
	require.NoError(t, q.Delete(ctx, "rh-9"))
}

func TestSQSQueue_StaleReceiptErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name  string
		err   error
		stale bool
	}{
		{name: "invalid handle", err: &types.ReceiptHandleIsInvalid{Message: aws.String("bad handle")}, stale: true},
		{name: "not in flight", err: &types.MessageNotInflight{Message: aws.String("not in flight")}, stale: true},
		{name: "query-compatible code", err: &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.MessageNotInflight"}, stale: true},
		{
			name: "expired handle",
			err: &smithy.GenericAPIError{
				Code:    "InvalidParameterValue",
				Message: "Value rh-1 for parameter ReceiptHandle is invalid. Reason: The receipt handle has expired.",
			},
			stale: true,
		},
		{name: "other invalid parameter", err: &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "VisibilityTimeout out of range"}},
		{name: "throttled", err: &smithy.GenericAPIError{Code: "ThrottlingException"}},
		{name: "network", err: errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSQSClient{
				deleteFn: func(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
					return nil, tt.err
				},
				visibilityFn: func(context.Context, *sqs.ChangeMessageVisibilityInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
					return nil, tt.err
				},
			}
			q, err := New(Config{Driver: DriverSQS, QueueURL: "https://sqs.local/jobs", SQSClient: client})
			require.NoError(t, err)

			err = q.Delete(ctx, "rh-1")
			require.Error(t, err)
			assert.Equal(t, tt.stale, errors.Is(err, ErrStaleReceipt), "delete: %v", err)

			err = q.ChangeVisibility(ctx, "rh-1", time.Minute)
			require.Error(t, err)
			assert.Equal(t, tt.stale, errors.Is(err, ErrStaleReceipt), "change visibility: %v", err)
		})
	}
}

func TestSQSQueue_SendError(t *testing.T) {
	t.Parallel()

	client := &fakeSQSClient{
		sendFn: func(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	q, err := New(Config{Driver: DriverSQS, QueueURL: "https://sqs.local/jobs", SQSClient: client})
	require.NoError(t, err)

	_, err = q.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

type fakeSQSClient struct {
	sendFn       func(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	receiveFn    func(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	deleteFn     func(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	visibilityFn func(context.Context, *sqs.ChangeMessageVisibilityInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

func (f *fakeSQSClient) SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendFn == nil {
		return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
	}
	return f.sendFn(ctx, in, opts...)
}

func (f *fakeSQSClient) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.receiveFn == nil {
		return nil, errors.New("unexpected ReceiveMessage call")
	}
	return f.receiveFn(ctx, in, opts...)
}

func (f *fakeSQSClient) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.deleteFn == nil {
		return &sqs.DeleteMessageOutput{}, nil
	}
	return f.deleteFn(ctx, in, opts...)
}

func (f *fakeSQSClient) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibilityFn == nil {
		return &sqs.ChangeMessageVisibilityOutput{}, nil
	}
	return f.visibilityFn(ctx, in, opts...)
}

// --- Redis ---

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisQueue_LeaseAckAndRedrive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	client := setupRedis(t)

	q, err := New(Config{Driver: DriverRedis, Name: "jobs", RedisClient: client, Visibility: 200 * time.Millisecond, MaxReceiveCount: 2})
	require.NoError(t, err)

	id, err := q.Send(ctx, []byte("ok"))
	require.NoError(t, err)

	d, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, "ok", string(d.Body))
	assert.Equal(t, 1, d.ReceiveCount)
	assert.False(t, d.EnqueuedAt.IsZero())

	none, err := q.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, q.ChangeVisibility(ctx, d.ReceiptHandle, time.Minute))
	require.NoError(t, q.Delete(ctx, d.ReceiptHandle))
	assert.ErrorIs(t, q.Delete(ctx, d.ReceiptHandle), ErrStaleReceipt)

	_, err = q.Send(ctx, []byte("poison"))
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		p, err := q.Receive(ctx, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, i, p.ReceiveCount)
	}
	p, err := q.Receive(ctx, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, p)

	n, err := q.(*redisQueue).DeadLetterLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, 3)
	require.NoError(t, Ping(ctx, q))
	require.NoError(t, q.Close())
	assert.ErrorIs(t, Ping(ctx, q), ErrClosed)

	sq, err := New(Config{Driver: DriverSQS, QueueURL: "https://sqs.local/jobs", SQSClient: &fakeSQSClient{}})
	require.NoError(t, err)
	assert.NoError(t, Ping(ctx, sq), "clients without GetQueueAttributes are not probed")
}
