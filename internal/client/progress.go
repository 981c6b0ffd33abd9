package client

import (
	"io"

	"cachewise/internal/delivery"
	"cachewise/internal/result"
)

// Progress reports how far a file transfer has got. Total is -1 when unknown.
type Progress struct {
	Written int64
	Total   int64
	Done    bool
}

func (p Progress) Percent() int {
	if p.Total <= 0 {
		if p.Done {
			return 100
		}
		return 0
	}
	return int(p.Written * 100 / p.Total)
}

type ProgressFunc func(path string, p Progress)

// FileCallback receives the final result of one file transfer.
type FileCallback func(path string, env result.Envelope)

// progressReader forwards transfer progress to a poster whenever the
// percentage moves, and once more when the stream ends.
type progressReader struct {
	r      io.Reader
	path   string
	total  int64
	n      int64
	last   int
	fn     ProgressFunc
	poster delivery.Poster
}

func newProgressReader(r io.Reader, path string, total int64, fn ProgressFunc, poster delivery.Poster) *progressReader {
	return &progressReader{r: r, path: path, total: total, last: -1, fn: fn, poster: poster}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	if p.fn == nil {
		return n, err
	}
	done := err == io.EOF
	pr := Progress{Written: p.n, Total: p.total, Done: done}
	if pct := pr.Percent(); pct != p.last || done {
		p.last = pct
		fn, path := p.fn, p.path
		p.poster.Post(func() { fn(path, pr) })
	}
	return n, err
}
