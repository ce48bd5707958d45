package bundle

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string]string
	calls   []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.calls = append(f.calls, k)
	body, ok := f.objects[k]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestLoader_LocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(path+PinSuffix, []byte("abc123  bundle.yaml\n"), 0o644))

	l := &Loader{}
	data, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	data, err = l.Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	pin, err := l.LoadPin(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "abc123", pin)

	pin, err = l.LoadPin(context.Background(), path, " sha256:ff ")
	require.NoError(t, err)
	assert.Equal(t, "sha256:ff", pin)

	_, err = l.Load(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_S3(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"policies/prod/bundle.yaml":        "version: 1\n",
		"policies/prod/bundle.yaml.sha256": "deadbeef\n",
	}}
	l := &Loader{S3: fake}

	data, err := l.Load(context.Background(), "s3://policies/prod/bundle.yaml")
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	pin, err := l.LoadPin(context.Background(), "s3://policies/prod/bundle.yaml", "")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", pin)

	_, err = l.Load(context.Background(), "s3://policies/other.yaml")
	assert.Error(t, err)

	assert.Equal(t, []string{
		"policies/prod/bundle.yaml",
		"policies/prod/bundle.yaml.sha256",
		"policies/other.yaml",
	}, fake.calls)
}

func TestLoader_InvalidS3URI(t *testing.T) {
	l := &Loader{S3: &fakeS3{}}
	_, err := l.Load(context.Background(), "s3://bucket-only")
	assert.Error(t, err)
}
