package audio

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Format is an output container.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
)

// DefaultFormat is used when a request names no format.
const DefaultFormat = FormatWAV

// ParseFormat accepts wav, mp3, or flac in any case. An empty string yields
// DefaultFormat.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return DefaultFormat, nil
	case FormatWAV, FormatMP3, FormatFLAC:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want wav|mp3|flac)", raw)
	}
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatFLAC:
		return "audio/flac"
	default:
		return "audio/wav"
	}
}

// ContentTypeForFile guesses a MIME type from a filename extension.
func ContentTypeForFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return FormatWAV.ContentType()
	case ".mp3":
		return FormatMP3.ContentType()
	case ".flac":
		return FormatFLAC.ContentType()
	case ".ogg":
		return "audio/ogg"
	case ".m4a", ".aac":
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}

// Waveform is mono float32 audio, nominally in [-1, 1].
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Duration is the playing time of the waveform.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}
