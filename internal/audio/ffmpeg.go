package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultMP3Bitrate is passed to ffmpeg's -b:a for MP3 output.
const DefaultMP3Bitrate = "192k"

// FFmpegCodec encodes and decodes compressed containers by piping raw
// samples through an ffmpeg process.
type FFmpegCodec struct {
	// Path is the ffmpeg executable; empty means "ffmpeg" from PATH.
	Path       string
	MP3Bitrate string
}

func (c FFmpegCodec) exe() string {
	if c.Path == "" {
		return "ffmpeg"
	}
	return c.Path
}

// Encode converts w into the mp3 or flac container.
func (c FFmpegCodec) Encode(ctx context.Context, w Waveform, f Format) ([]byte, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "f32le", "-ar", strconv.Itoa(w.SampleRate), "-ac", "1",
		"-i", "pipe:0",
	}
	switch f {
	case FormatMP3:
		bitrate := c.MP3Bitrate
		if bitrate == "" {
			bitrate = DefaultMP3Bitrate
		}
		args = append(args, "-c:a", "libmp3lame", "-b:a", bitrate, "-f", "mp3")
	case FormatFLAC:
		args = append(args, "-c:a", "flac", "-f", "flac")
	default:
		return nil, fmt.Errorf("ffmpeg codec does not handle %q", f)
	}
	args = append(args, "pipe:1")

	raw := make([]byte, 0, len(w.Samples)*4)
	for _, s := range w.Samples {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(s))
	}

	return c.run(ctx, raw, args)
}

// Decode converts any container ffmpeg understands into a mono waveform at
// its native sample rate.
func (c FFmpegCodec) Decode(ctx context.Context, data []byte) (Waveform, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1", "-c:a", "pcm_f32le", "-f", "wav",
		"pipe:1",
	}
	out, err := c.run(ctx, data, args)
	if err != nil {
		return Waveform{}, err
	}
	return DecodeWAV(out)
}

func (c FFmpegCodec) run(ctx context.Context, stdin []byte, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.exe(), args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("ffmpeg: %w: %s", err, truncate(msg, 512))
		}
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}
	return stdout.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
