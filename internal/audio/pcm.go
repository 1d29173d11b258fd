package audio

import (
	"math"
	"time"
)

// BytesPerSample is the width of one mono PCM16 sample.
const BytesPerSample = 2

func float32ToInt16(sample float32) int16 {
	if sample > 1.0 {
		return 32767
	}
	if sample < -1.0 {
		return -32768
	}
	return int16(sample * 32767)
}

// FrameBytes returns the byte size of a mono PCM16 frame of duration d.
func FrameBytes(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * BytesPerSample
}

// BytesToInt16Into decodes little-endian PCM16 into dst. A trailing odd byte is ignored.
func BytesToInt16Into(dst []int16, pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	if cap(dst) < n {
		dst = make([]int16, n)
	} else {
		dst = dst[:n]
	}
	for i := range n {
		dst[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	return dst
}

// Int16SliceToBytesInto converts int16 samples to little-endian bytes.
func Int16SliceToBytesInto(dst []byte, samples []int16) []byte {
	needed := len(samples) * BytesPerSample
	if cap(dst) < needed {
		dst = make([]byte, needed)
	} else {
		dst = dst[:needed]
	}
	for i, sample := range samples {
		offset := i * 2
		dst[offset] = byte(sample)
		dst[offset+1] = byte(sample >> 8)
	}
	return dst
}

// Int16SliceToFloat32Into fills dst with normalized samples.
func Int16SliceToFloat32Into(dst []float32, samples []int16) []float32 {
	if cap(dst) < len(samples) {
		dst = make([]float32, len(samples))
	} else {
		dst = dst[:len(samples)]
	}
	for i, sample := range samples {
		dst[i] = float32(sample) / float32(math.MaxInt16)
	}
	return dst
}

// Float32SliceToInt16SliceInto fills dst with clamped PCM16 samples.
func Float32SliceToInt16SliceInto(dst []int16, samples []float32) []int16 {
	if cap(dst) < len(samples) {
		dst = make([]int16, len(samples))
	} else {
		dst = dst[:len(samples)]
	}
	for i, sample := range samples {
		dst[i] = float32ToInt16(sample)
	}
	return dst
}
