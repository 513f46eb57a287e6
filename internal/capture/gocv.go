//go:build gocv

package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

// CVSource reads a live stream or a local camera through OpenCV.
type CVSource struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
	seq uint64
}

func registerPlatform(r *Registry) {
	// низкая задержка для RTSP
	if os.Getenv("OPENCV_FFMPEG_CAPTURE_OPTIONS") == "" {
		os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", "rtsp_transport;tcp|buffer_size;65536|stimeout;5000000")
	}

	open := func(_ context.Context, u *url.URL) (Source, error) {
		return OpenCV(u)
	}
	for _, scheme := range []string{"rtsp", "rtsps", "http", "https", "device"} {
		r.Register(scheme, open)
	}
}

func OpenCV(u *url.URL) (*CVSource, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if u.Scheme == "device" {
		id, convErr := strconv.Atoi(u.Opaque)
		if convErr != nil {
			return nil, fmt.Errorf("%w: device %q", ErrUnsupportedSource, u.Opaque)
		}
		vc, err = gocv.OpenVideoCapture(id)
	} else {
		vc, err = gocv.VideoCaptureFile(u.String())
	}
	if err != nil {
		return nil, fmt.Errorf("open video capture %s: %w", u.Redacted(), err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open video capture %s: not opened", u.Redacted())
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	return &CVSource{cap: vc, mat: gocv.NewMat()}, nil
}

func (s *CVSource) Next(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return models.Frame{}, errors.New("video capture: frame read failed")
	}

	img, err := s.mat.ToImage()
	if err != nil {
		return models.Frame{}, fmt.Errorf("convert frame: %w", err)
	}

	s.seq++
	return models.Frame{Seq: s.seq, CapturedAt: time.Now(), Image: img}, nil
}

func (s *CVSource) Close() error {
	s.mat.Close()
	return s.cap.Close()
}
