package hub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
)

// WriteSSE streams s to w until the stream closes or ctx ends. On close the
// remaining buffered events are flushed before returning.
func WriteSSE(ctx context.Context, w http.ResponseWriter, s *Stream) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support flushing")
	}
	if err := s.attach(); err != nil {
		return err
	}
	defer s.detach()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var seq uint64
	write := func(f frame) error {
		seq++
		if err := writeFrame(w, seq, f); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for {
		select {
		case f := <-s.events:
			if err := write(f); err != nil {
				return err
			}
		case <-s.done:
			for {
				select {
				case f := <-s.events:
					if err := write(f); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeFrame(w io.Writer, seq uint64, f frame) error {
	buf := make([]byte, 0, len(f.data)+64)
	buf = append(buf, "id: "...)
	buf = strconv.AppendUint(buf, seq, 10)
	buf = append(buf, "\nevent: "...)
	buf = append(buf, string(f.kind)...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, f.data...)
	buf = append(buf, "\n\n"...)
	_, err := w.Write(buf)
	return err
}
