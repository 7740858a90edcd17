package bench_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/example/chatterbox-api/internal/audio"
	"github.com/example/chatterbox-api/internal/bench"
)

func runsOf(durations ...time.Duration) []bench.RunResult {
	runs := make([]bench.RunResult, len(durations))
	for i, d := range durations {
		runs[i] = bench.RunResult{Index: i, Cold: i == 0, Duration: d, WAVDuration: time.Second, RTF: d.Seconds()}
	}
	return runs
}

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func TestStats_MinMaxMean(t *testing.T) {
	s := bench.ComputeStats(runsOf(300*time.Millisecond, 100*time.Millisecond, 200*time.Millisecond))

	if s.Min != 100*time.Millisecond {
		t.Errorf("want min=100ms, got %v", s.Min)
	}

	if s.Max != 300*time.Millisecond {
		t.Errorf("want max=300ms, got %v", s.Max)
	}

	if s.Mean != 200*time.Millisecond {
		t.Errorf("want mean=200ms, got %v", s.Mean)
	}

	if s.MeanRTF < 0.199 || s.MeanRTF > 0.201 {
		t.Errorf("want mean RTF≈0.2, got %.4f", s.MeanRTF)
	}
}

func TestStats_P95(t *testing.T) {
	durations := make([]time.Duration, 20)
	for i := range durations {
		durations[i] = time.Duration(20-i) * time.Millisecond
	}

	s := bench.ComputeStats(runsOf(durations...))
	if s.P95 != 19*time.Millisecond {
		t.Errorf("want p95=19ms, got %v", s.P95)
	}
}

func TestStats_SingleRun(t *testing.T) {
	s := bench.ComputeStats(runsOf(150 * time.Millisecond))
	if s.Min != s.Max || s.Min != s.Mean || s.Min != s.P95 {
		t.Errorf("single run: stats should all be equal, got %+v", s)
	}
}

func TestStats_Empty(t *testing.T) {
	if s := bench.ComputeStats(nil); s != (bench.Stats{}) {
		t.Errorf("want zero stats, got %+v", s)
	}
}

// ---------------------------------------------------------------------------
// RTF calculation
// ---------------------------------------------------------------------------

func TestRTF_Calculation(t *testing.T) {
	// 1 second of audio generated in 500ms → RTF = 0.5
	rtf := bench.CalcRTF(500*time.Millisecond, time.Second)
	if rtf < 0.499 || rtf > 0.501 {
		t.Errorf("want RTF≈0.5, got %.4f", rtf)
	}
}

func TestRTF_ZeroAudioDuration(t *testing.T) {
	if rtf := bench.CalcRTF(500*time.Millisecond, 0); rtf != 0 {
		t.Errorf("want RTF=0 for zero audio duration, got %.4f", rtf)
	}
}

func TestAudioDurationFromWAV(t *testing.T) {
	// 24000 samples at 24 kHz = exactly 1 second
	w := audio.Waveform{Samples: make([]float32, 24000), SampleRate: 24000}

	for name, encode := range map[string]func(audio.Waveform) ([]byte, error){
		"float32": audio.EncodeWAVFloat32,
		"pcm16":   audio.EncodeWAVPCM16,
	} {
		t.Run(name, func(t *testing.T) {
			wav, err := encode(w)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			dur, err := bench.WAVDuration(wav)
			if err != nil {
				t.Fatalf("WAVDuration: %v", err)
			}

			if dur != time.Second {
				t.Errorf("want 1s audio duration, got %v", dur)
			}
		})
	}
}

func TestWAVDuration_Invalid(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"too short": make([]byte, 10),
		"not riff":  []byte("JUNK....WAVEfmt "),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := bench.WAVDuration(data); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RTF threshold gate
// ---------------------------------------------------------------------------

func TestRTFThreshold_ExceedsThreshold(t *testing.T) {
	if err := bench.CheckRTFThreshold(1.5, 1.0); err == nil {
		t.Error("want error when mean RTF exceeds threshold")
	}
}

func TestRTFThreshold_BelowThreshold(t *testing.T) {
	if err := bench.CheckRTFThreshold(0.8, 1.0); err != nil {
		t.Errorf("want no error when RTF below threshold, got: %v", err)
	}
}

func TestRTFThreshold_ExactlyAtThreshold(t *testing.T) {
	if err := bench.CheckRTFThreshold(1.0, 1.0); err != nil {
		t.Errorf("want no error at exact threshold, got: %v", err)
	}
}

func TestRTFThreshold_DisabledWhenZero(t *testing.T) {
	if err := bench.CheckRTFThreshold(9999, 0); err != nil {
		t.Errorf("threshold=0 should disable gate, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func TestFormatTable_ContainsHeaders(t *testing.T) {
	runs := runsOf(800*time.Millisecond, 500*time.Millisecond)

	var buf strings.Builder
	bench.FormatTable(runs, bench.ComputeStats(runs), &buf)
	out := strings.ToLower(buf.String())

	for _, want := range []string{"run", "cold", "ms", "rtf", "(p95)", "(mean)"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON_IsValidJSON(t *testing.T) {
	runs := runsOf(800 * time.Millisecond)
	runs[0].Filename = "tts_output_20260101_120000_abcd1234.wav"

	var buf bytes.Buffer
	if err := bench.FormatJSON(runs, bench.ComputeStats(runs), &buf); err != nil {
		t.Fatal(err)
	}

	var out struct {
		Runs []struct {
			Filename string `json:"filename"`
		} `json:"runs"`
		Stats struct {
			MeanMS float64 `json:"mean_ms"`
		} `json:"stats"`
	}

	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v\n%s", err, buf.String())
	}

	if len(out.Runs) != 1 || out.Runs[0].Filename != runs[0].Filename || out.Stats.MeanMS != 800 {
		t.Errorf("unexpected report: %s", buf.String())
	}
}
