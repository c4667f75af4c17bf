package service

import (
	"context"
	"io"

	"fieldop-service/internal/frames"
	"fieldop-service/internal/media"
)

// Media records incoming footage and opens recorded files for frame access.
type Media interface {
	Record(ctx context.Context, src io.Reader, out string) error
	RecordURL(ctx context.Context, url, out string) error
	ExtractAudio(ctx context.Context, video, audio string) error
	OpenVideo(ctx context.Context, path, frameDir string) (frames.Video, error)
}

type ffmpegMedia struct {
	*media.FFmpeg
}

func NewFFmpegMedia(f *media.FFmpeg) Media {
	return ffmpegMedia{FFmpeg: f}
}

func (m ffmpegMedia) OpenVideo(ctx context.Context, path, frameDir string) (frames.Video, error) {
	v, err := m.Open(ctx, path, frameDir)
	if err != nil {
		return nil, err
	}
	return v, nil
}
