package artifact

import "io"

// progressReader reports download progress in whole-percent steps
type progressReader struct {
	r        io.Reader
	size     int64
	read     int64
	filename string
	fn       ProgressFunc
	last     int
}

func newProgressReader(r io.Reader, size int64, filename string, fn ProgressFunc) *progressReader {
	return &progressReader{r: r, size: size, filename: filename, fn: fn, last: -1}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.fn != nil && p.size > 0 && n > 0 {
		pct := int(p.read * 100 / p.size)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.fn(p.filename, float64(pct))
		}
	}
	return n, err
}

// finish reports 100% if it was not reported already
func (p *progressReader) finish() {
	if p.fn != nil && p.last != 100 {
		p.last = 100
		p.fn(p.filename, 100)
	}
}
