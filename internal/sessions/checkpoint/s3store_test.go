package checkpoint

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// fakeS3 keeps objects in a map, behaving like a bucket.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*input.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := &S3Store{client: fake, bucket: "ckpt", prefix: "checkpoints"}
	ctx := context.Background()

	envelope := New("run-1", []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi"},
	}, nil)

	if err := store.Save(ctx, "s1", envelope); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, ok := fake.objects["checkpoints/s1/latest.checkpoint"]; !ok {
		t.Fatalf("object key missing, have %v", keys(fake.objects))
	}

	loaded, ok, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatal("expected checkpoint to exist")
	}
	if len(loaded.Messages) != 2 || loaded.Messages[0].Content != "hello" {
		t.Errorf("loaded = %+v", loaded.Messages)
	}
	if loaded.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", loaded.RunID)
	}
}

func TestS3StoreLoadMissing(t *testing.T) {
	store := &S3Store{client: newFakeS3(), bucket: "ckpt"}

	_, ok, err := store.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("missing object should not error: %v", err)
	}
	if ok {
		t.Fatal("missing object reported as found")
	}
}

func TestS3StoreSaveRequiresSession(t *testing.T) {
	store := &S3Store{client: newFakeS3(), bucket: "ckpt"}
	if err := store.Save(context.Background(), "", Envelope{}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
