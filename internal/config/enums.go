package config

import (
	"fmt"
	"strings"
)

const (
	EngineExec = "exec"
	EngineHTTP = "http"
	EngineTone = "tone"
)

const (
	WAVFloat32 = "float32"
	WAVPCM16   = "pcm16"
)

func NormalizeEngine(raw string) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(raw))
	if kind == "" {
		kind = EngineExec
	}
	switch kind {
	case EngineExec, EngineHTTP, EngineTone:
		return kind, nil
	case "subprocess":
		return EngineExec, nil
	default:
		return "", fmt.Errorf(
			"invalid engine kind %q (expected %s|%s|%s)",
			raw,
			EngineExec,
			EngineHTTP,
			EngineTone,
		)
	}
}

func NormalizeWAVEncoding(raw string) (string, error) {
	enc := strings.ToLower(strings.TrimSpace(raw))
	switch enc {
	case "", WAVFloat32, "float":
		return WAVFloat32, nil
	case WAVPCM16, "pcm", "s16":
		return WAVPCM16, nil
	default:
		return "", fmt.Errorf("invalid wav encoding %q (expected %s|%s)", raw, WAVFloat32, WAVPCM16)
	}
}

func NormalizeLogFormat(raw string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(raw)); f {
	case "", "json":
		return "json", nil
	case "text":
		return "text", nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected json|text)", raw)
	}
}
