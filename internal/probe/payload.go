package probe

// PayloadGenerator produces synthetic payloads. Only the length matters to
// the measurement.
type PayloadGenerator interface {
	Generate(size int) []byte
}

// FillerGenerator returns payloads made of a single repeated byte. It keeps
// one pre-filled buffer and hands out prefixes of it, so callers must not
// modify the returned slice. Safe for concurrent use.
type FillerGenerator struct {
	fill byte
	buf  []byte
}

func NewFillerGenerator(fill byte, capacity int) *FillerGenerator {
	if capacity < 0 {
		capacity = 0
	}
	return &FillerGenerator{
		fill: fill,
		buf:  filled(fill, capacity),
	}
}

func (g *FillerGenerator) Generate(size int) []byte {
	if size <= 0 {
		return []byte{}
	}
	if size <= len(g.buf) {
		return g.buf[:size:size]
	}
	return filled(g.fill, size)
}

func filled(fill byte, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}
