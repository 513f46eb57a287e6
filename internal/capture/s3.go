package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

// FrameStore is the object storage a folder of frames is replayed from.
type FrameStore interface {
	ListFrames(ctx context.Context, bucket, folder string) ([]string, error)
	GetFrame(ctx context.Context, bucket, key string) ([]byte, error)
}

// S3Source скачивает кадры по одному, не держа всю папку в памяти
type S3Source struct {
	store  FrameStore
	bucket string
	keys   []string
	pos    int
	seq    uint64
	pace   pacer
}

func OpenS3(ctx context.Context, store FrameStore, bucket, folder string, fps float64) (*S3Source, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 source without bucket", ErrUnsupportedSource)
	}

	keys, err := store.ListFrames(ctx, bucket, folder)
	if err != nil {
		return nil, fmt.Errorf("list frames s3://%s/%s: %w", bucket, folder, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("list frames s3://%s/%s: no images", bucket, folder)
	}

	return &S3Source{store: store, bucket: bucket, keys: keys, pace: newPacer(fps)}, nil
}

func (s *S3Source) Next(ctx context.Context) (models.Frame, error) {
	if s.pos >= len(s.keys) {
		return models.Frame{}, io.EOF
	}
	if err := s.pace.wait(ctx); err != nil {
		return models.Frame{}, err
	}

	key := s.keys[s.pos]
	s.pos++

	data, err := s.store.GetFrame(ctx, s.bucket, key)
	if err != nil {
		return models.Frame{}, fmt.Errorf("get frame %s: %w", key, err)
	}
	img, err := decode(data)
	if err != nil {
		return models.Frame{}, fmt.Errorf("%s: %w", key, err)
	}

	s.seq++
	return models.Frame{Seq: s.seq, CapturedAt: time.Now(), Image: img}, nil
}

func (s *S3Source) Close() error {
	s.pos = len(s.keys)
	return nil
}
