// Package storage keeps message payloads in S3-compatible object storage.
// Each queued message's payload is stored under its queue ID, with a BLAKE3
// checksum recorded in the queue metadata. The checksum is verified on
// every read; a mismatch surfaces as consts.ErrPayloadCorrupt and the queue
// takes the message out of rotation instead of delivering damaged data.
//
// Payloads can optionally be encrypted at rest with AES-256-GCM. The
// checksum always covers the plaintext, so verification happens after
// decryption.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rishavghosh108/mrx-mta/config"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
	"github.com/rishavghosh108/mrx-mta/pkg/retry"
	"lukechampine.com/blake3"
)

const objectPrefix = "queue/"

// s3Retry bounds transient object store hiccups. Permanent S3 failures
// stop the retry loop immediately, see stopPermanent.
var s3Retry = retry.BackoffConfig{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      3,
}

// stopPermanent marks S3 errors that no retry can cure, so a missing
// object or bad credentials fail fast instead of burning the backoff
// budget. Everything else is treated as transient.
func stopPermanent(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return retry.Stop(err)
	}
	return err
}

type PayloadStore struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

// NewFromConfig initializes the MinIO client from configuration.
func NewFromConfig(cfg *config.S3Config) (*PayloadStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("STORAGE: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}

	store := &PayloadStore{
		Client:     client,
		BucketName: cfg.Bucket,
	}

	if cfg.Encrypt {
		if err := store.enableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *PayloadStore) enableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: client-side encryption enabled")
	return nil
}

// Checksum computes the BLAKE3-256 digest recorded alongside a payload.
func Checksum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

func (s *PayloadStore) key(messageID string) string {
	return objectPrefix + messageID
}

// Put stores a payload under the message ID and returns its checksum.
// The queue writes the payload before committing metadata, so a crash
// between the two leaves an orphaned object, never a payload-less entry.
func (s *PayloadStore) Put(ctx context.Context, messageID string, data []byte) ([]byte, error) {
	start := time.Now()
	checksum := Checksum(data)

	body := data
	if s.Encrypt {
		var err error
		body, err = s.encryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
			return nil, fmt.Errorf("failed to encrypt payload: %w", err)
		}
	}

	err := retry.WithRetry(ctx, func() error {
		_, err := s.Client.PutObject(ctx, s.BucketName, s.key(messageID),
			bytes.NewReader(body), int64(len(body)),
			minio.PutObjectOptions{SendContentMd5: true})
		return stopPermanent(err)
	}, s3Retry)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
	}

	metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	return checksum, nil
}

// Get fetches a payload and verifies it against the expected checksum.
// Returns consts.ErrPayloadCorrupt when the stored bytes no longer match.
func (s *PayloadStore) Get(ctx context.Context, messageID string, expected []byte) ([]byte, error) {
	start := time.Now()

	var data []byte
	err := retry.WithRetry(ctx, func() error {
		object, err := s.Client.GetObject(ctx, s.BucketName, s.key(messageID), minio.GetObjectOptions{})
		if err != nil {
			return stopPermanent(err)
		}
		defer object.Close()

		// GetObject is lazy; read errors surface here, not above.
		data, err = io.ReadAll(object)
		return stopPermanent(err)
	}, s3Retry)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	if s.Encrypt {
		data, err = s.decryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
			metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("failed to decrypt payload: %w", err)
		}
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())

	if len(expected) > 0 && !bytes.Equal(Checksum(data), expected) {
		metrics.PayloadCorruptTotal.Inc()
		return nil, fmt.Errorf("%w: message %s", consts.ErrPayloadCorrupt, messageID)
	}
	return data, nil
}

// Exists checks whether a payload object is present.
func (s *PayloadStore) Exists(ctx context.Context, messageID string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, s.key(messageID), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat payload %s: %w", messageID, err)
}

// Delete removes a payload object. Deleting an already-absent object is
// not an error, so queue cleanup stays idempotent.
func (s *PayloadStore) Delete(ctx context.Context, messageID string) error {
	start := time.Now()

	exists, err := s.Exists(ctx, messageID)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		return err
	}
	if !exists {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}

	err = s.Client.RemoveObject(ctx, s.BucketName, s.key(messageID), minio.RemoveObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	return err
}

func (s *PayloadStore) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *PayloadStore) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
