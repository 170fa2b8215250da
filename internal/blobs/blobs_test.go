package blobs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/spartanone/spartan/config"
)

func TestRef(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Ref([]byte("abc")))
	assert.Error(t, validRef("abc"))
	assert.Error(t, validRef("zz7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"))
}

func TestNew(t *testing.T) {
	store, err := New(config.BlobConfig{})
	assert.NoError(t, err)
	assert.Nil(t, store)

	store, err = New(config.BlobConfig{Provider: "fs", Dir: t.TempDir()})
	assert.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = New(config.BlobConfig{Provider: "ftp"})
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	data := []byte(gofakeit.Paragraph(2, 3, 10, " "))
	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Ref(data), ref)
	assert.FileExists(t, filepath.Join(dir, ref[:2], ref))

	// same content, same ref
	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	// deleting twice is fine
	assert.NoError(t, store.Delete(ctx, ref))

	entries, err := os.ReadDir(filepath.Join(dir, ref[:2]))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStore_RejectsBadRef(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, store.Delete(context.Background(), "../x"))
}

type mockS3 struct {
	s3iface.S3API
	mock.Mock
}

func (m *mockS3) PutObjectWithContext(ctx context.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	args := m.Called(*in.Bucket, *in.Key)
	return &s3.PutObjectOutput{}, args.Error(0)
}

func (m *mockS3) GetObjectWithContext(ctx context.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	args := m.Called(*in.Bucket, *in.Key)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(args.Get(0).([]byte)))}, nil
}

func (m *mockS3) DeleteObjectWithContext(ctx context.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	args := m.Called(*in.Bucket, *in.Key)
	return &s3.DeleteObjectOutput{}, args.Error(0)
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	data := []byte("quote attachment")
	ref := Ref(data)
	key := "attachments/" + ref

	client := new(mockS3)
	client.On("PutObjectWithContext", "spartan-blobs", key).Return(nil)
	client.On("GetObjectWithContext", "spartan-blobs", key).Return(data, nil)
	client.On("DeleteObjectWithContext", "spartan-blobs", key).Return(nil)

	store := NewS3StoreWithClient(client, "spartan-blobs")

	got, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	body, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, body)

	assert.NoError(t, store.Delete(ctx, ref))
	client.AssertExpectations(t)
}

func TestS3Store_NotFound(t *testing.T) {
	ref := Ref([]byte("gone"))
	client := new(mockS3)
	client.On("GetObjectWithContext", "bucket", "attachments/"+ref).
		Return(nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil))

	_, err := NewS3StoreWithClient(client, "bucket").Get(context.Background(), ref)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}
