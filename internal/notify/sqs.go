// Package notify publishes scan lifecycle events once a scan reaches a
// terminal status.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/leak-scanner/internal/model"
)

// Event is the message body published for a finished scan.
type Event struct {
	ScanID        string           `json:"scanId"`
	RepoName      string           `json:"repoName"`
	RepoURL       string           `json:"repoUrl"`
	Status        model.ScanStatus `json:"status"`
	FindingsCount int              `json:"findingsCount"`
	CommitCount   int              `json:"commitCount"`
	Error         string           `json:"error,omitempty"`
	Timestamp     string           `json:"timestamp"`
}

func NewEvent(r model.ScanResult, now time.Time) Event {
	return Event{
		ScanID:        r.ID,
		RepoName:      r.RepoName,
		RepoURL:       r.RepoURL,
		Status:        r.Status,
		FindingsCount: r.FindingsCount,
		CommitCount:   r.CommitCount,
		Error:         r.Error,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
}

type Notifier interface {
	Notify(ctx context.Context, r model.ScanResult) error
}

// Noop is used when no queue is configured.
type Noop struct{}

func (Noop) Notify(context.Context, model.ScanResult) error { return nil }

// SQSAPI is the subset of the SQS client the notifier needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSNotifier struct {
	Client   SQSAPI
	QueueURL string

	log *zap.Logger
	now func() time.Time
}

func NewSQSNotifier(client SQSAPI, queueURL string, log *zap.Logger) *SQSNotifier {
	return &SQSNotifier{
		Client:   client,
		QueueURL: queueURL,
		log:      log.With(zap.String("component", "notify")),
		now:      time.Now,
	}
}

// NewSQSClient builds an SQS client from the default AWS credential chain.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

func (n *SQSNotifier) Notify(ctx context.Context, r model.ScanResult) error {
	body, err := json.Marshal(NewEvent(r, n.now()))
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {DataType: aws.String("String"), StringValue: aws.String(string(r.Status))},
			"repo":   {DataType: aws.String("String"), StringValue: aws.String(r.RepoName)},
		},
	}
	// FIFO queues require a group and a deduplication id
	if strings.HasSuffix(n.QueueURL, ".fifo") {
		in.MessageGroupId = aws.String(r.RepoName)
		in.MessageDeduplicationId = aws.String(r.ID + "-" + uuid.NewString())
	}

	out, err := n.Client.SendMessage(ctx, in)
	if err != nil {
		return fmt.Errorf("send scan event %s: %w", r.ID, err)
	}
	n.log.Debug("scan event published",
		zap.String("scan_id", r.ID),
		zap.String("status", string(r.Status)),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}
