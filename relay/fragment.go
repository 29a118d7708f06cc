package relay

// MaxPayloadSize caps the payload carried by one relay frame. Larger
// payloads are split into numbered fragments.
const MaxPayloadSize = 20_000

// fragmentPayload splits a payload into MaxPayloadSize chunks. A
// zero-length payload yields exactly one empty fragment, so the receiver
// can tell a deliberate empty payload from a keep-alive frame.
func fragmentPayload(payload []byte) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	total := 1 + (len(payload)-1)/MaxPayloadSize
	fragments := make([][]byte, 0, total)
	for number := 0; number < total; number++ {
		lower := number * MaxPayloadSize
		upper := lower + MaxPayloadSize
		if upper > len(payload) {
			upper = len(payload)
		}
		fragments = append(fragments, payload[lower:upper])
	}
	return fragments
}

// reassembly buffers numbered fragments until all have arrived.
type reassembly struct {
	fragments map[int][]byte
	total     int
}

func newReassembly() *reassembly {
	return &reassembly{fragments: make(map[int][]byte)}
}

// add records one fragment and reports whether the payload is complete. A
// frame without fragment numbering is a complete payload on its own.
func (r *reassembly) add(payload []byte, fragmentNumber, totalFragments *int) bool {
	if fragmentNumber == nil || totalFragments == nil {
		r.fragments = map[int][]byte{0: payload}
		r.total = 1
		return true
	}
	r.fragments[*fragmentNumber] = payload
	r.total = *totalFragments
	return len(r.fragments) == r.total
}

// concat joins the buffered fragments in order.
func (r *reassembly) concat() []byte {
	var size int
	for _, fragment := range r.fragments {
		size += len(fragment)
	}
	out := make([]byte, 0, size)
	for number := 0; number < r.total; number++ {
		out = append(out, r.fragments[number]...)
	}
	return out
}
