package audio

import "sync"

var framePool sync.Pool

// acquireFrame returns a byte slice of length size, reusing a released frame
// when one is large enough.
func acquireFrame(size int) []byte {
	if size <= 0 {
		return nil
	}
	if v := framePool.Get(); v != nil {
		buf := *(v.(*[]byte))
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// releaseFrame returns buf to the pool. buf must not be used afterwards.
func releaseFrame(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:0]
	framePool.Put(&buf)
}

func releaseFrames(frames [][]byte) {
	for _, f := range frames {
		releaseFrame(f)
	}
}
