package audio

import (
	"errors"
	"sync"

	resampler "github.com/godeps/go-audio-soxr"
)

type soxrKey struct {
	inRate  int
	outRate int
}

var soxrPools sync.Map

func soxrPool(key soxrKey) *sync.Pool {
	if pool, ok := soxrPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	actual, _ := soxrPools.LoadOrStore(key, &sync.Pool{})
	return actual.(*sync.Pool)
}

// Resampler converts a continuous PCM16LE stream between sample rates.
type Resampler struct {
	key     soxrKey
	r       *resampler.SimpleResamplerFloat32
	samples []int16
	floats  []float32
	out     []int16
	pcm     []byte
}

// NewResampler returns a high quality soxr resampler for inRate to outRate.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, errors.New("audio: invalid sample rate")
	}
	key := soxrKey{inRate: inRate, outRate: outRate}
	if v := soxrPool(key).Get(); v != nil {
		if r, ok := v.(*resampler.SimpleResamplerFloat32); ok && r != nil {
			return &Resampler{key: key, r: r}, nil
		}
	}
	r, err := resampler.NewEngineFloat32(float64(inRate), float64(outRate), resampler.QualityHigh)
	if err != nil {
		return nil, err
	}
	return &Resampler{key: key, r: r}, nil
}

// Process resamples one chunk. The returned slice is reused by the next call.
func (s *Resampler) Process(pcm []byte) ([]byte, error) {
	if s == nil || s.r == nil {
		return nil, errors.New("audio: resampler is closed")
	}
	s.samples = BytesToInt16Into(s.samples, pcm)
	s.floats = Int16SliceToFloat32Into(s.floats, s.samples)
	out, err := s.r.Process(s.floats)
	if err != nil {
		return nil, err
	}
	s.out = Float32SliceToInt16SliceInto(s.out, out)
	s.pcm = Int16SliceToBytesInto(s.pcm, s.out)
	return s.pcm, nil
}

// Close returns the engine to its pool.
func (s *Resampler) Close() {
	if s == nil || s.r == nil {
		return
	}
	s.r.Reset()
	soxrPool(s.key).Put(s.r)
	s.r = nil
}
