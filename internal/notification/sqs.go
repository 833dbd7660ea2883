package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/config"
)

const sendTimeout = 10 * time.Second

// SQSSender is the part of the SQS client the dispatcher uses
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSDispatcher sends notifications to the email worker's queue
type SQSDispatcher struct {
	client   SQSSender
	queueURL string
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewSQSClient builds an SQS client from the AWS settings. Static credentials
// are used when given, otherwise the default chain applies.
func NewSQSClient(ctx context.Context, cfg config.AWSConfig) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func NewSQSDispatcher(client SQSSender, queueURL string, logger *zap.Logger) *SQSDispatcher {
	return &SQSDispatcher{client: client, queueURL: queueURL, logger: logger}
}

func (d *SQSDispatcher) Notify(_ context.Context, n Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		d.logger.Error("Failed to encode notification", zap.Error(err))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		_, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(d.queueURL),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"type": {
					DataType:    aws.String("String"),
					StringValue: aws.String(string(n.Type)),
				},
			},
		})
		if err != nil {
			d.logger.Warn("Failed to send notification to SQS",
				zap.String("type", string(n.Type)),
				zap.String("payment_id", n.PaymentID),
				zap.Error(err))
		}
	}()
}

// Flush waits for in-flight sends.
func (d *SQSDispatcher) Flush() {
	d.wg.Wait()
}
