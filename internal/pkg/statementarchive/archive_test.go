package statementarchive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	objects map[string][]byte
	meta    map[string]map[string]string
}

func (m *memoryStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = b
	m.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryStore) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (m *memoryStore) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestPutGet(t *testing.T) {
	store := &memoryStore{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
	a := &Archive{store: store, config: &Config{BucketName: "ledger", Enabled: true}}
	ctx := context.Background()

	loc, err := a.Put(ctx, "statements/mtn/a.json", []byte(`{"transactions":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://ledger/statements/mtn/a.json", loc)
	assert.Len(t, store.meta["statements/mtn/a.json"]["sha256"], 64)

	body, err := a.Get(ctx, "statements/mtn/a.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"transactions":[]}`, string(body))

	_, err = a.Get(ctx, "missing.json")
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	cfg := &Config{}
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := cfg.ObjectKey("mtn", from, from.AddDate(0, 0, 1))
	assert.Equal(t, "statements/mtn/2026/03/20260301T000000Z_20260302T000000Z.json", key)
}

func TestLoadConfig_RequiresCredentialsWhenEnabled(t *testing.T) {
	t.Setenv("S3_ARCHIVE_ENABLED", "true")
	t.Setenv("S3_ACCESS_KEY_ID", "")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("S3_ARCHIVE_ENABLED", "false")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.IsEnabled())

	_, err = New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrDisabled)
}
