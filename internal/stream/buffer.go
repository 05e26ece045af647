package stream

import (
	"sync"
)

// opusBuffer is a fixed-size ring of encoded packets between the producer
// and the paced sender.
type opusBuffer struct {
	mu       sync.Mutex
	packets  []bufferedPacket
	maxSize  int
	readPos  int
	writePos int
	closed   bool
	eos      bool
}

type bufferedPacket struct {
	data  []byte
	pts48 int64
}

func newOpusBuffer(maxPackets int) *opusBuffer {
	if maxPackets < 2 {
		maxPackets = 2
	}
	return &opusBuffer{
		packets: make([]bufferedPacket, maxPackets),
		maxSize: maxPackets,
	}
}

func (ob *opusBuffer) usedLocked() int {
	return (ob.writePos - ob.readPos + ob.maxSize) % ob.maxSize
}

// Push copies data into the ring. It reports false when full or finished.
func (ob *opusBuffer) Push(data []byte, pts48 int64) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.closed || ob.eos {
		return false
	}
	if ob.usedLocked() >= ob.maxSize-1 {
		return false
	}

	ob.packets[ob.writePos] = bufferedPacket{
		data:  append([]byte(nil), data...),
		pts48: pts48,
	}
	ob.writePos = (ob.writePos + 1) % ob.maxSize
	return true
}

// Pop never blocks; the sender polls it on its frame clock.
func (ob *opusBuffer) Pop() (bufferedPacket, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.closed || ob.usedLocked() == 0 {
		return bufferedPacket{}, false
	}
	pkt := ob.packets[ob.readPos]
	ob.packets[ob.readPos] = bufferedPacket{}
	ob.readPos = (ob.readPos + 1) % ob.maxSize
	return pkt, true
}

// Drained reports end of stream with nothing left to send.
func (ob *opusBuffer) Drained() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.eos && ob.usedLocked() == 0
}

func (ob *opusBuffer) BufferedCount() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.usedLocked()
}

func (ob *opusBuffer) Flush() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for i := range ob.packets {
		ob.packets[i] = bufferedPacket{}
	}
	ob.readPos, ob.writePos = 0, 0
}

func (ob *opusBuffer) MarkEOS() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.eos = true
}

func (ob *opusBuffer) Close() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.closed = true
}
