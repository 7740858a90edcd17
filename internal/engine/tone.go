package engine

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"unicode/utf8"

	"github.com/example/chatterbox-api/internal/audio"
)

// ToneSampleRate is the output rate of the tone engine.
const ToneSampleRate = 24000

// Tone is a synthetic engine for development and tests. It renders one
// short tone per character of input. A non-zero seed makes the output a
// pure function of the request; seed 0 draws fresh randomness per call.
type Tone struct {
	device string
}

func NewTone(device string) *Tone {
	if device == "" {
		device = "cpu"
	}
	return &Tone{device: device}
}

func (t *Tone) Load(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	return Info{SampleRate: ToneSampleRate, Device: t.device, ModelType: "tone"}, nil
}

func (t *Tone) Synthesize(ctx context.Context, req Request) (audio.Waveform, error) {
	if err := ctx.Err(); err != nil {
		return audio.Waveform{}, err
	}

	var rng *rand.Rand
	if req.Params.Seed != 0 {
		rng = rand.New(rand.NewPCG(uint64(req.Params.Seed), requestHash(req)))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	const segment = ToneSampleRate / 20 // 50 ms per character
	base := 110 + 110*req.Params.Exaggeration
	if req.Reference != nil {
		h := fnv.New32a()
		_, _ = h.Write(req.Reference.Data)
		base += float64(h.Sum32() % 100)
	}
	noise := 0.02 * req.Params.Temperature

	n := utf8.RuneCountInString(req.Text)
	samples := make([]float32, 0, (n+2)*segment)
	phase := 0.0
	for _, r := range req.Text {
		freq := base * (1 + float64(r%12)/12)
		for i := range segment {
			env := math.Sin(math.Pi * float64(i) / segment)
			v := 0.4*env*math.Sin(phase) + noise*(rng.Float64()*2-1)
			samples = append(samples, float32(v))
			phase += 2 * math.Pi * freq / ToneSampleRate
		}
	}
	// Trailing silence with a little room tone.
	for range 2 * segment {
		samples = append(samples, float32(noise*0.1*(rng.Float64()*2-1)))
	}
	return audio.Waveform{Samples: samples, SampleRate: ToneSampleRate}, nil
}

func (t *Tone) Close() error { return nil }

func requestHash(req Request) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Text))
	p := req.Params
	for _, v := range []float64{p.Exaggeration, p.Temperature, p.CFGWeight, p.MinP, p.TopP, p.RepetitionPenalty} {
		_, _ = h.Write(binary.LittleEndian.AppendUint64(nil, math.Float64bits(v)))
	}
	if req.Reference != nil {
		_, _ = h.Write(req.Reference.Data)
	}
	return h.Sum64()
}
