package ingress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

var errStalled = errors.New("upload stalled")

// progressReader signals on every non-empty read without blocking the reader.
type progressReader struct {
	r        io.Reader
	progress chan<- struct{}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		select {
		case p.progress <- struct{}{}:
		default:
		}
	}
	return n, err
}

type readResult struct {
	data []byte
	err  error
}

// readBody streams r into memory, stopping one byte past limit so oversize
// bodies are detected without reading them whole. It gives up with errStalled
// when no bytes arrive for stall. On stall or cancellation the reading
// goroutine exits once the caller closes r.
func readBody(ctx context.Context, r io.Reader, limit int64, stall time.Duration) ([]byte, error) {
	progress := make(chan struct{}, 1)
	done := make(chan readResult, 1)

	go func() {
		var buf bytes.Buffer
		_, err := buf.ReadFrom(&progressReader{r: io.LimitReader(r, limit+1), progress: progress})
		done <- readResult{data: buf.Bytes(), err: err}
	}()

	timer := time.NewTimer(stall)
	defer timer.Stop()

	for {
		select {
		case <-progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stall)
		case res := <-done:
			return res.data, res.err
		case <-timer.C:
			return nil, errStalled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
