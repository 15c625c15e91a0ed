package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/config"
	"github.com/iudanet/tasksync/internal/models"
)

// fakeExporter хранит снимок в памяти
type fakeExporter struct {
	snap     *storage.Snapshot
	imported *storage.Snapshot
}

func (f *fakeExporter) Export(ctx context.Context) (*storage.Snapshot, error) {
	return f.snap, nil
}

func (f *fakeExporter) Import(ctx context.Context, snap *storage.Snapshot) error {
	f.imported = snap
	return nil
}

// fakeS3 in-memory реализация s3API
type fakeS3 struct {
	objects map[string][]byte
	mu      sync.Mutex
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func testSnapshot() *storage.Snapshot {
	return &storage.Snapshot{
		Entities: []*storage.EntityRecord{{
			ID:         "42",
			Type:       models.EntityTypeTask,
			SyncStatus: models.SyncStatusSynced,
			Payload:    []byte(`{"title":"Buy milk"}`),
			Version:    2,
		}},
		Queue: []*models.SyncQueueItem{{
			ID:         "01J0000000000000000000000",
			EntityType: models.EntityTypeTask,
			EntityID:   "42",
			Action:     models.ActionUpdate,
			Payload:    map[string]any{"title": "Buy oat milk"},
		}},
		Metadata: map[string][]byte{"encryption_salt": []byte("salt")},
	}
}

func newTestService(t *testing.T, exporter Exporter, sink Sink, passphrase string) *Service {
	t.Helper()
	svc, err := NewService(exporter, sink, passphrase, slog.New(slog.NewTextHandler(io.Discard, nil)), WithWorkFactor(10))
	require.NoError(t, err)
	return svc
}

func TestService_BackupRestore(t *testing.T) {
	fileSink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	sinks := map[string]Sink{
		"file": fileSink,
		"s3":   newS3Sink(newFakeS3(), "backups", "/devices/laptop/"),
	}

	for name, sink := range sinks {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exporter := &fakeExporter{snap: testSnapshot()}
			svc := newTestService(t, exporter, sink, "correct horse")
			svc.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }

			backupName, err := svc.Backup(ctx)
			require.NoError(t, err)
			assert.Equal(t, "tasksync-20260501T100000.000Z"+Extension, backupName)

			latest, err := svc.Latest(ctx)
			require.NoError(t, err)
			assert.Equal(t, backupName, latest)

			// Снимок в хранилище зашифрован
			rc, err := sink.Get(ctx, backupName)
			require.NoError(t, err)
			raw, err := io.ReadAll(rc)
			require.NoError(t, rc.Close())
			require.NoError(t, err)
			assert.NotContains(t, string(raw), "Buy milk")

			require.NoError(t, svc.Restore(ctx, backupName))
			require.NotNil(t, exporter.imported)
			require.Len(t, exporter.imported.Entities, 1)
			assert.Equal(t, "42", exporter.imported.Entities[0].ID)
			assert.JSONEq(t, `{"title":"Buy milk"}`, string(exporter.imported.Entities[0].Payload))
			assert.Equal(t, "Buy oat milk", exporter.imported.Queue[0].Payload["title"])
			assert.Equal(t, []byte("salt"), exporter.imported.Metadata["encryption_salt"])
		})
	}
}

func TestService_RestoreErrors(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	svc := newTestService(t, &fakeExporter{snap: testSnapshot()}, sink, "right")
	backupName, err := svc.Backup(ctx)
	require.NoError(t, err)

	t.Run("wrong passphrase", func(t *testing.T) {
		exporter := &fakeExporter{}
		other := newTestService(t, exporter, sink, "wrong")
		require.Error(t, other.Restore(ctx, backupName))
		assert.Nil(t, exporter.imported)
	})

	t.Run("missing backup", func(t *testing.T) {
		err := svc.Restore(ctx, "tasksync-absent"+Extension)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no backups", func(t *testing.T) {
		empty, err := NewFileSink(t.TempDir())
		require.NoError(t, err)
		_, err = newTestService(t, &fakeExporter{}, empty, "x").Latest(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestNewService_RequiresPassphrase(t *testing.T) {
	_, err := NewService(&fakeExporter{}, nil, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestNewSink(t *testing.T) {
	_, err := NewSink(context.Background(), config.BackupConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	sink, err := NewSink(context.Background(), config.BackupConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, sink)
}

func TestS3Sink_Prefix(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	sink := newS3Sink(client, "backups", "laptop")

	require.NoError(t, sink.Put(ctx, "a"+Extension, strings.NewReader("data")))
	client.objects["other/b"+Extension] = []byte("x")
	client.objects["laptop/notes.txt"] = []byte("x")

	assert.Contains(t, client.objects, "laptop/a"+Extension)

	names, err := sink.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a" + Extension}, names)
}
