package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver keeps verified raw webhook payloads for audit.
type Archiver interface {
	Archive(ctx context.Context, eventID string, payload []byte) error
}

// S3PutObjectAPI is the part of *s3.Client the archiver needs.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Archiver struct {
	client S3PutObjectAPI
	bucket string
	now    func() time.Time
}

func NewS3Archiver(client S3PutObjectAPI, bucket string) Archiver {
	return &s3Archiver{client: client, bucket: bucket, now: time.Now}
}

func (a *s3Archiver) Archive(ctx context.Context, eventID string, payload []byte) error {
	key := ArchiveKey(a.now(), eventID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive event %s to s3://%s/%s: %w", eventID, a.bucket, key, err)
	}
	return nil
}

func ArchiveKey(at time.Time, eventID string) string {
	return fmt.Sprintf("webhooks/%s/%s.json", at.UTC().Format("2006/01/02"), eventID)
}

type noopArchiver struct{}

func NewNoopArchiver() Archiver { return noopArchiver{} }

func (noopArchiver) Archive(context.Context, string, []byte) error { return nil }
