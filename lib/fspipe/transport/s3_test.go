package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/workstation/lib/fspipe/protocol"
)

// fakeS3 implements s3API against in-memory state.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte            // key -> content
	mpu      map[string]map[int32][]byte  // uploadID -> partNum -> data
	mpuKey   map[string]string            // uploadID -> key
	nextID   int
	aborted  []string
	copyFail error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: map[string][]byte{},
		mpu:     map[string]map[int32][]byte{},
		mpuKey:  map[string]string{},
	}
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.mpu[id] = map[int32][]byte{}
	f.mpuKey[id] = aws.ToString(in.Key)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.mpu[aws.ToString(in.UploadId)]
	if !ok {
		return nil, fmt.Errorf("NoSuchUpload")
	}
	parts[aws.ToInt32(in.PartNumber)] = data
	etag := fmt.Sprintf("etag-%d", aws.ToInt32(in.PartNumber))
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	parts, ok := f.mpu[id]
	if !ok {
		return nil, fmt.Errorf("NoSuchUpload")
	}
	var buf bytes.Buffer
	for i := int32(1); i <= int32(len(parts)); i++ {
		buf.Write(parts[i])
	}
	f.objects[aws.ToString(in.Key)] = buf.Bytes()
	delete(f.mpu, id)
	delete(f.mpuKey, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	delete(f.mpu, id)
	delete(f.mpuKey, id)
	f.aborted = append(f.aborted, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyFail != nil {
		return nil, f.copyFail
	}
	src := aws.ToString(in.CopySource)
	// strip "bucket/" prefix
	if i := strings.Index(src, "/"); i >= 0 {
		src = src[i+1:]
	}
	data, ok := f.objects[src]
	if !ok {
		return nil, &notFoundErr{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type notFoundErr struct{}

func (*notFoundErr) Error() string     { return "NoSuchKey: the specified key does not exist" }
func (*notFoundErr) ErrorCode() string { return "NoSuchKey" }

func (f *fakeS3) openUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mpu)
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func newTestS3() (*S3Transport, *fakeS3) {
	fake := newFakeS3()
	cfg := S3Config{
		Endpoint:        "http://localhost:9000",
		Bucket:          "test-bucket",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
		Region:          "auto",
	}
	return newS3Transport(cfg, fake), fake
}

func TestS3WriteRenameAfterClose(t *testing.T) {
	t.Parallel()
	tr, fake := newTestS3()
	defer tr.Close()

	payload := bytes.Repeat([]byte{0xAA}, 6*1024*1024)

	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "a.tmp"}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 0, Data: payload}))
	require.NoError(t, tr.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: "F1"}))
	require.NoError(t, tr.Send(protocol.MsgRename, &protocol.Rename{FileID: "F1", OldName: "a.tmp", NewName: "a.bin"}))

	got, ok := fake.object("a.bin")
	require.True(t, ok, "renamed object must exist")
	assert.Equal(t, payload, got)

	_, stale := fake.object("a.tmp")
	assert.False(t, stale, "old key must not exist")
	assert.Zero(t, fake.openUploads(), "no dangling multipart upload")
}

func TestS3RenameBeforeFirstWriteUsesNewKey(t *testing.T) {
	t.Parallel()
	tr, fake := newTestS3()
	defer tr.Close()

	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "placeholder.crdownload"}))
	require.NoError(t, tr.Send(protocol.MsgRename, &protocol.Rename{FileID: "F1", OldName: "placeholder.crdownload", NewName: "final.pdf"}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 0, Data: []byte("content")}))
	require.NoError(t, tr.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: "F1"}))

	got, ok := fake.object("final.pdf")
	require.True(t, ok)
	assert.Equal(t, []byte("content"), got)

	_, stale := fake.object("placeholder.crdownload")
	assert.False(t, stale, "rename before first write must not create the old key")
}

func TestS3RenameWhileUploadOpenAppliesAtCompletion(t *testing.T) {
	t.Parallel()
	tr, fake := newTestS3()
	defer tr.Close()

	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "a.tmp"}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 0, Data: []byte("hello ")}))
	require.NoError(t, tr.Send(protocol.MsgRename, &protocol.Rename{FileID: "F1", OldName: "a.tmp", NewName: "a.bin"}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 6, Data: []byte("world")}))
	require.NoError(t, tr.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: "F1"}))

	got, ok := fake.object("a.bin")
	require.True(t, ok)
	assert.Equal(t, []byte("hello world"), got)

	_, stale := fake.object("a.tmp")
	assert.False(t, stale)
	assert.Zero(t, fake.openUploads())
}

func TestS3ZeroByteFileProducesNoObject(t *testing.T) {
	t.Parallel()
	tr, fake := newTestS3()

	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "empty.txt"}))
	require.NoError(t, tr.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: "F1"}))

	_, ok := fake.object("empty.txt")
	assert.False(t, ok, "zero-byte file must not produce an object")
	assert.Zero(t, fake.openUploads(), "zero-byte file must not leak a multipart upload")

	require.NoError(t, tr.Close())
	assert.Empty(t, fake.aborted, "nothing to abort for a never-started upload")
}

func TestS3LateWriteAfterPlaceholderClose(t *testing.T) {
	t.Parallel()
	tr, fake := newTestS3()
	defer tr.Close()

	// Chrome-style open/close placeholder followed by late writes.
	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "d.bin"}))
	require.NoError(t, tr.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: "F1"}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 0, Data: []byte("late")}))
	require.NoError(t, tr.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: "F1"}))

	got, ok := fake.object("d.bin")
	require.True(t, ok)
	assert.Equal(t, []byte("late"), got)
}

func TestS3MultiPartAssembly(t *testing.T) {
	t.Parallel()
	tr, fake := newTestS3()
	defer tr.Close()

	// Two 5MiB-aligned parts plus a small tail.
	part := bytes.Repeat([]byte{0x01}, 5*1024*1024)
	tail := []byte("tail")

	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "big.bin"}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 0, Data: part}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: int64(len(part)), Data: part}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: int64(2 * len(part)), Data: tail}))
	require.NoError(t, tr.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: "F1"}))

	got, ok := fake.object("big.bin")
	require.True(t, ok)
	want := append(append(append([]byte{}, part...), part...), tail...)
	assert.Equal(t, want, got)
}

func TestS3RenameOfMissingSourceIsNoOp(t *testing.T) {
	t.Parallel()
	tr, _ := newTestS3()
	defer tr.Close()

	err := tr.Send(protocol.MsgRename, &protocol.Rename{OldName: "ghost.tmp", NewName: "ghost.bin"})
	assert.NoError(t, err, "rename of a non-existent source is a success")
}

func TestS3DeleteAndTruncate(t *testing.T) {
	t.Parallel()
	tr, fake := newTestS3()
	defer tr.Close()

	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "x.bin"}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 0, Data: []byte("x")}))
	require.NoError(t, tr.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: "F1"}))

	require.NoError(t, tr.Send(protocol.MsgTruncate, &protocol.Truncate{FileID: "F1", Size: 0}), "truncate is acknowledged as a no-op")

	require.NoError(t, tr.Send(protocol.MsgDelete, &protocol.Delete{Filename: "x.bin"}))
	_, ok := fake.object("x.bin")
	assert.False(t, ok)
}

func TestS3CloseAbortsIncompleteUploads(t *testing.T) {
	t.Parallel()
	tr, fake := newTestS3()

	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "partial.bin"}))
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 0, Data: []byte("partial")}))

	require.NoError(t, tr.Close())
	assert.Zero(t, fake.openUploads())
	assert.Len(t, fake.aborted, 1)
}

func TestS3SendAndReceiveSynthesisesAck(t *testing.T) {
	t.Parallel()
	tr, _ := newTestS3()
	defer tr.Close()

	require.NoError(t, tr.Send(protocol.MsgFileCreate, &protocol.FileCreate{FileID: "F1", Filename: "y.bin"}))

	respType, data, err := tr.SendAndReceive(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "F1", Offset: 0, Data: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgWriteAck, respType)

	var ack protocol.WriteAck
	require.NoError(t, protocol.DecodePayload(data, &ack))
	assert.Equal(t, "F1", ack.FileID)
	assert.Equal(t, 3, ack.Written)
}

func TestS3UnknownFileIDFails(t *testing.T) {
	t.Parallel()
	tr, _ := newTestS3()
	defer tr.Close()

	err := tr.Send(protocol.MsgWriteChunk, &protocol.WriteChunk{FileID: "nope", Data: []byte("x")})
	assert.Error(t, err)
}
