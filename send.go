package kcp

// Send enqueues payload for transmission: in message mode it is split
// into ⌈len/mss⌉ PUSH segments with a descending frg counter; in stream
// mode (cb.stream) it is first appended to the trailing snd_queue
// segment while room remains, then any remainder is fragmented with
// frg always 0.
func (cb *ControlBlock) Send(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	total := len(buf)

	if cb.stream {
		if n := len(cb.sndQueue); n > 0 {
			tail := &cb.sndQueue[n-1]
			if len(tail.data) < int(cb.mss) {
				room := int(cb.mss) - len(tail.data)
				extend := room
				if len(buf) < room {
					extend = len(buf)
				}
				tail.data = append(tail.data, buf[:extend]...)
				buf = buf[extend:]
			}
		}
		if len(buf) == 0 {
			return total, nil
		}
	}

	var count int
	if len(buf) <= int(cb.mss) {
		count = 1
	} else {
		count = (len(buf) + int(cb.mss) - 1) / int(cb.mss)
	}
	if count > 255 {
		return 0, &PayloadTooLargeError{Fragments: count}
	}

	for i := 0; i < count; i++ {
		size := int(cb.mss)
		if size > len(buf) {
			size = len(buf)
		}
		data := make([]byte, size)
		copy(data, buf[:size])

		seg := segment{cmd: cmdPush, data: data}
		if !cb.stream {
			seg.frg = uint8(count - i - 1)
		}
		cb.sndQueue = append(cb.sndQueue, seg)
		buf = buf[size:]
	}
	return total, nil
}
