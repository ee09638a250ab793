package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/interfaces"
)

const checkpointExt = ".ckpt"

// Config holds configuration for the S3 checkpoint store
type Config struct {
	Region          string        `json:"region" mapstructure:"region"`
	Bucket          string        `json:"bucket" mapstructure:"bucket"`
	AccessKeyID     string        `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string        `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string        `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool          `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool          `json:"disable_ssl" mapstructure:"disable_ssl"`
	Prefix          string        `json:"prefix" mapstructure:"prefix"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries"`
	PartSize        int64         `json:"part_size" mapstructure:"part_size"`
	UseCompression  bool          `json:"use_compression" mapstructure:"use_compression"`
}

// CheckpointStore keeps checkpoint blobs as objects in a bucket.
type CheckpointStore struct {
	config     *Config
	s3Client   *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	logger     *logrus.Logger
	mu         sync.RWMutex
	metrics    *storageMetrics
	closed     bool
}

type storageMetrics struct {
	readOps      int64
	writeOps     int64
	deleteOps    int64
	errorCount   int64
	bytesRead    int64
	bytesWritten int64
	startTime    time.Time
	mu           sync.RWMutex
}

// NewCheckpointStore creates a new S3 checkpoint store
func NewCheckpointStore(config *Config, logger *logrus.Logger) (*CheckpointStore, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 config cannot be nil")
	}
	if config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CheckpointStore{
		config:  config,
		logger:  logger,
		metrics: &storageMetrics{startTime: time.Now()},
	}, nil
}

// Connect establishes the session and checks the bucket
func (s *CheckpointStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s3Client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}
	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}
	// S3-compatible services (minio and friends)
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}
	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to create AWS session")
	}

	client := s3.New(sess)
	hctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := client.HeadBucketWithContext(hctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
			fmt.Sprintf("failed to access bucket %q", s.config.Bucket))
	}

	s.s3Client = client
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)
	if s.config.PartSize > 0 {
		s.uploader.PartSize = s.config.PartSize
	}
	s.closed = false

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
	}).Info("Connected to S3")
	return nil
}

// Close drops the client
func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.s3Client = nil
	s.uploader = nil
	s.downloader = nil
	s.closed = true
	s.logger.Debug("S3 checkpoint store closed")
	return nil
}

// Ping checks the bucket is still reachable
func (s *CheckpointStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.s3Client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}
	rctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.s3Client.HeadBucketWithContext(rctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "S3 ping failed")
	}
	return nil
}

// Save uploads the blob, gzipping it first when configured
func (s *CheckpointStore) Save(ctx context.Context, id string, blob []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.uploader == nil {
		return errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}
	key, err := s.generateKey(id)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		s.incrementWriteOps()
		s.logger.WithFields(logrus.Fields{
			"id":       id,
			"duration": time.Since(start),
		}).Debug("Checkpoint uploaded")
	}()

	body := blob
	if s.config.UseCompression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(blob); err != nil {
			s.incrementErrorCount()
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to compress checkpoint")
		}
		if err := gz.Close(); err != nil {
			s.incrementErrorCount()
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to compress checkpoint")
		}
		body = buf.Bytes()
	}

	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/octet-stream"),
	}
	rctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.uploader.UploadWithContext(rctx, input); err != nil {
		s.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to upload checkpoint to S3")
	}
	s.incrementBytesWritten(int64(len(body)))
	return nil
}

// Load downloads the blob stored under id
func (s *CheckpointStore) Load(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.downloader == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}
	key, err := s.generateKey(id)
	if err != nil {
		return nil, err
	}
	defer s.incrementReadOps()

	buf := aws.NewWriteAtBuffer([]byte{})
	rctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.downloader.DownloadWithContext(rctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.WrapError(errors.ErrNotFound, errors.ErrorTypeStorage, "NOT_FOUND",
				fmt.Sprintf("checkpoint %s not found", id))
		}
		s.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to download checkpoint from S3")
	}

	data := buf.Bytes()
	s.incrementBytesRead(int64(len(data)))
	if !s.config.UseCompression {
		return data, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		s.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to decompress checkpoint")
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil {
		s.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to decompress checkpoint")
	}
	return out, nil
}

// List returns checkpoint objects under the prefix, newest first
func (s *CheckpointStore) List(ctx context.Context) ([]interfaces.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.s3Client == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}
	defer s.incrementReadOps()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.keyPrefix()),
	}
	var out []interfaces.CheckpointInfo
	rctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.s3Client.ListObjectsV2PagesWithContext(rctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				id := s.extractIDFromKey(aws.StringValue(obj.Key))
				if id == "" {
					continue
				}
				out = append(out, interfaces.CheckpointInfo{
					ID:         id,
					Size:       aws.Int64Value(obj.Size),
					ModifiedAt: aws.TimeValue(obj.LastModified),
				})
			}
			return true
		})
	if err != nil {
		s.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list checkpoints in S3")
	}
	sortNewestFirst(out)
	return out, nil
}

// Delete removes the object stored under id
func (s *CheckpointStore) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.s3Client == nil {
		return errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}
	key, err := s.generateKey(id)
	if err != nil {
		return err
	}
	defer s.incrementDeleteOps()

	rctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.s3Client.DeleteObjectWithContext(rctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to delete checkpoint from S3")
	}
	return nil
}

// Stats reports operation counters since construction.
func (s *CheckpointStore) Stats() map[string]int64 {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()
	return map[string]int64{
		"read_ops":       s.metrics.readOps,
		"write_ops":      s.metrics.writeOps,
		"delete_ops":     s.metrics.deleteOps,
		"errors":         s.metrics.errorCount,
		"bytes_read":     s.metrics.bytesRead,
		"bytes_written":  s.metrics.bytesWritten,
		"uptime_seconds": int64(time.Since(s.metrics.startTime).Seconds()),
	}
}

func (s *CheckpointStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.Timeout)
}

func (s *CheckpointStore) keyPrefix() string {
	prefix := s.config.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + "checkpoints/"
}

func (s *CheckpointStore) generateKey(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", errors.NewStorageError(errors.CodeInvalidInput, fmt.Sprintf("invalid checkpoint id %q", id))
	}
	return path.Join(s.keyPrefix(), id+checkpointExt), nil
}

func (s *CheckpointStore) extractIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, s.keyPrefix())
	if rest == key || strings.Contains(rest, "/") || !strings.HasSuffix(rest, checkpointExt) {
		return ""
	}
	return strings.TrimSuffix(rest, checkpointExt)
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey")
}

func sortNewestFirst(infos []interfaces.CheckpointInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ModifiedAt.Equal(infos[j].ModifiedAt) {
			return infos[i].ID > infos[j].ID
		}
		return infos[i].ModifiedAt.After(infos[j].ModifiedAt)
	})
}

func (s *CheckpointStore) incrementReadOps() {
	s.metrics.mu.Lock()
	s.metrics.readOps++
	s.metrics.mu.Unlock()
}

func (s *CheckpointStore) incrementWriteOps() {
	s.metrics.mu.Lock()
	s.metrics.writeOps++
	s.metrics.mu.Unlock()
}

func (s *CheckpointStore) incrementDeleteOps() {
	s.metrics.mu.Lock()
	s.metrics.deleteOps++
	s.metrics.mu.Unlock()
}

func (s *CheckpointStore) incrementErrorCount() {
	s.metrics.mu.Lock()
	s.metrics.errorCount++
	s.metrics.mu.Unlock()
}

func (s *CheckpointStore) incrementBytesRead(n int64) {
	s.metrics.mu.Lock()
	s.metrics.bytesRead += n
	s.metrics.mu.Unlock()
}

func (s *CheckpointStore) incrementBytesWritten(n int64) {
	s.metrics.mu.Lock()
	s.metrics.bytesWritten += n
	s.metrics.mu.Unlock()
}
