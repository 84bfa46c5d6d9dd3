package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/joho/godotenv"

	"github.com/agentdesk/workstation/lib/fspipe/protocol"
)

const (
	// S3 minimum part size (5MB), except for the last part
	minPartSize = 5 * 1024 * 1024

	// completed uploads are retained this long so a late rename can still
	// be applied against them
	completedRetention = 15 * time.Minute
)

// S3Config holds S3/R2 configuration
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	Prefix          string `json:"prefix"` // Optional path prefix
}

// s3API is the subset of the SDK client the transport uses. Tests substitute
// a fake.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Transport streams file events straight into S3/R2 multipart uploads.
// The multipart upload is initiated lazily on the first write so the
// placeholder-then-rename pattern (create "x.tmp", rename, then write) never
// materialises an object under the placeholder name.
type S3Transport struct {
	config S3Config
	api    s3API
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	uploads map[string]*uploadEntry

	state atomic.Int32

	filesCreated  atomic.Uint64
	filesUploaded atomic.Uint64
	bytesUploaded atomic.Uint64
	opErrors      atomic.Uint64
}

// uploadEntry tracks one logical file from create to (retained) completion.
type uploadEntry struct {
	origKey   string
	key       string // current effective key
	uploadID  string
	parts     []types.CompletedPart
	buffer    bytes.Buffer
	partNum   int32
	started   bool
	hasData   bool
	completed bool
	doneAt    time.Time

	// renameTo holds a rename that arrived while the multipart upload was
	// open; it is applied right after completion.
	renameTo string
}

// LoadS3ConfigFromEnv loads S3 config from the environment, reading an
// optional .env file first.
func LoadS3ConfigFromEnv(envFile string) (S3Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return S3Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := S3Config{
		Endpoint:        os.Getenv("S3_ENDPOINT"),
		Bucket:          os.Getenv("S3_BUCKET"),
		AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		Region:          os.Getenv("S3_REGION"),
		Prefix:          os.Getenv("S3_PREFIX"),
	}
	if cfg.Region == "" {
		cfg.Region = "auto" // R2 default
	}
	return cfg, cfg.Validate()
}

// ParseS3ConfigFromJSON parses S3 config from a JSON string.
func ParseS3ConfigFromJSON(jsonStr string) (S3Config, error) {
	var cfg S3Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return cfg, fmt.Errorf("parse JSON: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	return cfg, cfg.Validate()
}

// Validate checks required fields.
func (c S3Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("S3_ENDPOINT is required")
	}
	if c.Bucket == "" {
		return errors.New("S3_BUCKET is required")
	}
	if c.AccessKeyID == "" {
		return errors.New("S3_ACCESS_KEY_ID is required")
	}
	if c.SecretAccessKey == "" {
		return errors.New("S3_SECRET_ACCESS_KEY is required")
	}
	return nil
}

// NewS3Transport builds an S3 transport from an s3://bucket/prefix URL,
// pulling credentials and endpoint from the environment.
func NewS3Transport(u *url.URL) (*S3Transport, error) {
	cfg, err := LoadS3ConfigFromEnv("")
	if err != nil && u.Host == "" {
		return nil, err
	}
	if u.Host != "" {
		cfg.Bucket = u.Host
	}
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		cfg.Prefix = p
		if !strings.HasSuffix(cfg.Prefix, "/") {
			cfg.Prefix += "/"
		}
	}
	return NewS3TransportWithConfig(cfg)
}

// NewS3TransportWithConfig builds an S3 transport from an explicit config.
func NewS3TransportWithConfig(cfg S3Config) (*S3Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true // required for R2 and most S3-compatible storage
	})
	return newS3Transport(cfg, api), nil
}

func newS3Transport(cfg S3Config, api s3API) *S3Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &S3Transport{
		config:  cfg,
		api:     api,
		log:     slog.Default().With("component", "fspipe", "transport", "s3"),
		ctx:     ctx,
		cancel:  cancel,
		uploads: make(map[string]*uploadEntry),
	}
	t.state.Store(int32(StateConnected))
	go t.sweepCompleted()
	return t
}

// Connect is a no-op; the backend is ready on creation.
func (t *S3Transport) Connect() error {
	t.log.Info("s3 backend ready", "bucket", t.config.Bucket, "prefix", t.config.Prefix)
	return nil
}

// Send routes a file event to the matching handler.
func (t *S3Transport) Send(msgType byte, payload interface{}) error {
	switch msgType {
	case protocol.MsgFileCreate:
		msg, err := asFileCreate(payload)
		if err != nil {
			return err
		}
		return t.handleFileCreate(msg)
	case protocol.MsgWriteChunk:
		msg, err := asWriteChunk(payload)
		if err != nil {
			return err
		}
		return t.handleWriteChunk(msg)
	case protocol.MsgFileClose:
		msg, err := asFileClose(payload)
		if err != nil {
			return err
		}
		return t.handleFileClose(msg)
	case protocol.MsgRename:
		msg, err := asRename(payload)
		if err != nil {
			return err
		}
		return t.handleRename(msg)
	case protocol.MsgDelete:
		msg, err := asDelete(payload)
		if err != nil {
			return err
		}
		return t.handleDelete(msg)
	case protocol.MsgTruncate:
		t.log.Warn("truncate is not supported on s3; acknowledged as no-op")
		return nil
	default:
		return fmt.Errorf("unknown message type: 0x%02x", msgType)
	}
}

// SendSync is equivalent to Send; every S3 operation is already synchronous.
func (t *S3Transport) SendSync(msgType byte, payload interface{}) error {
	return t.Send(msgType, payload)
}

// SendAndReceive performs the operation and synthesises the matching ACK.
func (t *S3Transport) SendAndReceive(msgType byte, payload interface{}) (byte, []byte, error) {
	if err := t.Send(msgType, payload); err != nil {
		return 0, nil, err
	}

	switch msgType {
	case protocol.MsgWriteChunk:
		msg, _ := asWriteChunk(payload)
		ack := protocol.WriteAck{FileID: msg.FileID, Offset: msg.Offset, Written: len(msg.Data)}
		data, _ := json.Marshal(ack)
		return protocol.MsgWriteAck, data, nil
	case protocol.MsgFileCreate:
		msg, _ := asFileCreate(payload)
		ack := protocol.FileCreateAck{FileID: msg.FileID}
		data, _ := json.Marshal(ack)
		return protocol.MsgFileCreateAck, data, nil
	}
	return 0, nil, nil
}

// handleFileCreate registers the key. No S3 call happens until data arrives,
// so a create-then-rename never leaves an upload under the old name and a
// zero-byte file never produces an object.
func (t *S3Transport) handleFileCreate(msg *protocol.FileCreate) error {
	key := t.config.Prefix + msg.Filename

	t.mu.Lock()
	defer t.mu.Unlock()

	t.uploads[msg.FileID] = &uploadEntry{origKey: key, key: key}
	t.filesCreated.Add(1)
	t.log.Debug("registered file", "key", key, "file_id", msg.FileID)
	return nil
}

func (t *S3Transport) handleWriteChunk(msg *protocol.WriteChunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.uploads[msg.FileID]
	if !ok {
		return fmt.Errorf("unknown file ID: %s", msg.FileID)
	}
	if entry.completed {
		return fmt.Errorf("write after completion for file ID %s", msg.FileID)
	}

	if !entry.started {
		out, err := t.api.CreateMultipartUpload(t.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(t.config.Bucket),
			Key:    aws.String(entry.key),
		})
		if err != nil {
			t.opErrors.Add(1)
			return fmt.Errorf("create multipart upload for %s: %w", entry.key, err)
		}
		entry.uploadID = aws.ToString(out.UploadId)
		entry.started = true
		t.log.Debug("started multipart upload", "key", entry.key, "upload_id", entry.uploadID)
	}

	entry.hasData = true
	entry.buffer.Write(msg.Data)
	t.bytesUploaded.Add(uint64(len(msg.Data)))

	if entry.buffer.Len() >= minPartSize {
		if err := t.uploadPartLocked(entry); err != nil {
			return err
		}
	}
	return nil
}

func (t *S3Transport) uploadPartLocked(entry *uploadEntry) error {
	entry.partNum++
	data := make([]byte, entry.buffer.Len())
	copy(data, entry.buffer.Bytes())
	entry.buffer.Reset()

	out, err := t.api.UploadPart(t.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(t.config.Bucket),
		Key:        aws.String(entry.key),
		UploadId:   aws.String(entry.uploadID),
		PartNumber: aws.Int32(entry.partNum),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		t.opErrors.Add(1)
		return fmt.Errorf("upload part %d for %s: %w", entry.partNum, entry.key, err)
	}

	entry.parts = append(entry.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(entry.partNum),
	})
	return nil
}

// handleFileClose completes the upload if any data was written. A close with
// no data retains the registration: Chrome-style placeholder files are often
// opened, closed, renamed and only then written.
func (t *S3Transport) handleFileClose(msg *protocol.FileClose) error {
	t.mu.Lock()

	entry, ok := t.uploads[msg.FileID]
	if !ok {
		t.mu.Unlock()
		t.log.Debug("close for unknown file ID", "file_id", msg.FileID)
		return nil
	}
	if !entry.started || !entry.hasData {
		t.mu.Unlock()
		t.log.Debug("close with no data, keeping registration", "key", entry.key)
		return nil
	}
	if entry.completed {
		t.mu.Unlock()
		return nil
	}

	if entry.buffer.Len() > 0 {
		if err := t.uploadPartLocked(entry); err != nil {
			t.abortLocked(entry)
			delete(t.uploads, msg.FileID)
			t.mu.Unlock()
			return err
		}
	}

	_, err := t.api.CompleteMultipartUpload(t.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.config.Bucket),
		Key:             aws.String(entry.key),
		UploadId:        aws.String(entry.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: entry.parts},
	})
	if err != nil {
		t.opErrors.Add(1)
		t.abortLocked(entry)
		delete(t.uploads, msg.FileID)
		t.mu.Unlock()
		return fmt.Errorf("complete multipart upload for %s: %w", entry.key, err)
	}

	// Retained so a post-close rename can still find the object.
	entry.completed = true
	entry.doneAt = time.Now()
	t.filesUploaded.Add(1)
	parts := len(entry.parts)
	key := entry.key
	pendingRename := entry.renameTo
	if pendingRename != "" {
		entry.key = pendingRename
		entry.renameTo = ""
	}
	t.mu.Unlock()

	t.log.Info("completed upload", "key", key, "parts", parts)

	if pendingRename != "" {
		if err := t.copyAndDelete(key, pendingRename); err != nil {
			return err
		}
	}
	return nil
}

// handleRename applies a rename in whatever phase the upload is in:
// before the first write it just swaps the effective key; between first write
// and completion the upload finishes under its original key and the object is
// then copied over; after completion it is a straight copy-then-delete.
func (t *S3Transport) handleRename(msg *protocol.Rename) error {
	oldKey := t.config.Prefix + msg.OldName
	newKey := t.config.Prefix + msg.NewName

	t.mu.Lock()
	entry := t.uploads[msg.FileID]
	if entry == nil {
		// Fall back to searching by the current effective key.
		for _, e := range t.uploads {
			if e.key == oldKey {
				entry = e
				break
			}
		}
	}

	if entry != nil && !entry.started {
		entry.key = newKey
		t.mu.Unlock()
		t.log.Debug("rename before first write, key updated", "old", oldKey, "new", newKey)
		return nil
	}
	if entry != nil && !entry.completed {
		// The multipart upload is pinned to its creation key; defer the
		// move until completion.
		entry.renameTo = newKey
		t.mu.Unlock()
		t.log.Debug("rename deferred until upload completes", "old", oldKey, "new", newKey)
		return nil
	}
	var srcKey string
	if entry != nil {
		srcKey = entry.key
		entry.key = newKey
	} else {
		srcKey = oldKey
	}
	t.mu.Unlock()

	return t.copyAndDelete(srcKey, newKey)
}

// copyAndDelete moves an object. A missing source is a benign no-op
// (placeholder semantics).
func (t *S3Transport) copyAndDelete(srcKey, dstKey string) error {
	_, err := t.api.CopyObject(t.ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(t.config.Bucket),
		CopySource: aws.String(t.config.Bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		if isNotFound(err) {
			t.log.Debug("rename source missing, treating as no-op", "src", srcKey)
			return nil
		}
		t.opErrors.Add(1)
		return fmt.Errorf("copy object %s -> %s: %w", srcKey, dstKey, err)
	}

	if _, err := t.api.DeleteObject(t.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.config.Bucket),
		Key:    aws.String(srcKey),
	}); err != nil {
		// Copy succeeded; the stale source is logged, not fatal.
		t.log.Warn("failed to delete old key after rename", "key", srcKey, "err", err)
	}
	t.log.Debug("renamed object", "old", srcKey, "new", dstKey)
	return nil
}

func (t *S3Transport) handleDelete(msg *protocol.Delete) error {
	key := t.config.Prefix + msg.Filename

	if _, err := t.api.DeleteObject(t.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.config.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		t.opErrors.Add(1)
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	t.log.Debug("deleted object", "key", key)
	return nil
}

func (t *S3Transport) abortLocked(entry *uploadEntry) {
	if !entry.started || entry.completed {
		return
	}
	_, err := t.api.AbortMultipartUpload(t.ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.config.Bucket),
		Key:      aws.String(entry.key),
		UploadId: aws.String(entry.uploadID),
	})
	if err != nil {
		t.log.Warn("abort multipart upload failed", "key", entry.key, "err", err)
	}
}

// sweepCompleted drops completed entries once the rename-retention window
// has passed.
func (t *S3Transport) sweepCompleted() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for id, entry := range t.uploads {
				if entry.completed && now.Sub(entry.doneAt) > completedRetention {
					delete(t.uploads, id)
				}
			}
			t.mu.Unlock()
		}
	}
}

// State always reports connected; each call carries its own error handling.
func (t *S3Transport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

// Stats returns backend counters.
func (t *S3Transport) Stats() map[string]uint64 {
	t.mu.Lock()
	open := 0
	for _, e := range t.uploads {
		if e.started && !e.completed {
			open++
		}
	}
	t.mu.Unlock()

	return map[string]uint64{
		"files_created":  t.filesCreated.Load(),
		"files_uploaded": t.filesUploaded.Load(),
		"bytes_uploaded": t.bytesUploaded.Load(),
		"errors":         t.opErrors.Load(),
		"open_uploads":   uint64(open),
	}
}

// Close aborts every incomplete multipart upload.
func (t *S3Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fileID, entry := range t.uploads {
		if entry.started && !entry.completed {
			t.log.Warn("aborting incomplete upload", "key", entry.key)
			t.abortLocked(entry)
		}
		delete(t.uploads, fileID)
	}
	t.cancel()
	t.state.Store(int32(StateDisconnected))
	return nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}

// Payload coercion. Producers hand in either structs or pointers; the queue
// does not care, the handlers do.

func asFileCreate(v interface{}) (*protocol.FileCreate, error) {
	switch m := v.(type) {
	case *protocol.FileCreate:
		return m, nil
	case protocol.FileCreate:
		return &m, nil
	}
	return nil, fmt.Errorf("expected FileCreate payload, got %T", v)
}

func asWriteChunk(v interface{}) (*protocol.WriteChunk, error) {
	switch m := v.(type) {
	case *protocol.WriteChunk:
		return m, nil
	case protocol.WriteChunk:
		return &m, nil
	}
	return nil, fmt.Errorf("expected WriteChunk payload, got %T", v)
}

func asFileClose(v interface{}) (*protocol.FileClose, error) {
	switch m := v.(type) {
	case *protocol.FileClose:
		return m, nil
	case protocol.FileClose:
		return &m, nil
	}
	return nil, fmt.Errorf("expected FileClose payload, got %T", v)
}

func asRename(v interface{}) (*protocol.Rename, error) {
	switch m := v.(type) {
	case *protocol.Rename:
		return m, nil
	case protocol.Rename:
		return &m, nil
	}
	return nil, fmt.Errorf("expected Rename payload, got %T", v)
}

func asDelete(v interface{}) (*protocol.Delete, error) {
	switch m := v.(type) {
	case *protocol.Delete:
		return m, nil
	case protocol.Delete:
		return &m, nil
	}
	return nil, fmt.Errorf("expected Delete payload, got %T", v)
}
