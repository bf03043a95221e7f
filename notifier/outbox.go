package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-handover"
)

// PutObjectAPI is the part of the S3 client the outbox uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// OutboxConfig locates the outbox bucket.
type OutboxConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Envelope is the JSON document stored for each notification.
type Envelope struct {
	ID        string                    `json:"id"`
	Kind      handover.NotificationKind `json:"kind"`
	To        string                    `json:"to"`
	Subject   string                    `json:"subject"`
	Body      string                    `json:"body"`
	Link      string                    `json:"link,omitempty"`
	CreatedAt time.Time                 `json:"createdAt"`
}

// OutboxNotifier stores every notification as an object in an S3
// compatible bucket. The mail relay drains the bucket.
type OutboxNotifier struct {
	client PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
	newID  func() string
}

var _ handover.Notifier = (*OutboxNotifier)(nil)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// NewOutboxNotifier builds the S3 client from cfg.
func NewOutboxNotifier(ctx context.Context, cfg OutboxConfig) (*OutboxNotifier, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("outbox bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewOutboxNotifierWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewOutboxNotifierWithClient uses an existing client.
func NewOutboxNotifierWithClient(client PutObjectAPI, bucket, prefix string) *OutboxNotifier {
	return &OutboxNotifier{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
}

// Now returns the timestamp used for new envelopes.
func (n *OutboxNotifier) Now() time.Time {
	return n.now()
}

// Key returns the object key for a notification created at t.
func (n *OutboxNotifier) Key(id string, kind handover.NotificationKind, t time.Time) string {
	return path.Join(n.prefix, string(kind), t.Format("2006/01/02"), id+".json")
}

// Notify implements handover.Notifier.
func (n *OutboxNotifier) Notify(ctx context.Context, msg handover.Notification) error {
	if msg.To == "" {
		return goerrors.New("notification recipient is required", goerrors.CategoryValidation)
	}

	env := Envelope{
		ID:        n.newID(),
		Kind:      msg.Kind,
		To:        msg.To,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Link:      msg.Link,
		CreatedAt: n.now(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode notification")
	}

	_, err = n.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(n.bucket),
		Key:         aws.String(n.Key(env.ID, env.Kind, env.CreatedAt)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to store notification").
			WithMetadata(map[string]any{"bucket": n.bucket, "kind": string(msg.Kind)})
	}
	return nil
}
