package streamclient

import (
	"bufio"
	"bytes"
	"io"
)

// frame is one dispatched server-sent event.
type frame struct {
	id    string
	event string
	data  []byte
}

type decoder struct {
	r *bufio.Reader
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: bufio.NewReaderSize(r, 16<<10)}
}

// next reads until a blank line dispatches a frame. Comment lines and
// unknown fields are ignored; multiple data lines are joined with "\n".
func (d *decoder) next() (frame, error) {
	var (
		f       frame
		hasData bool
	)
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return frame{}, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if hasData || f.event != "" {
				return f, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}
		switch string(field) {
		case "event":
			f.event = string(value)
		case "id":
			f.id = string(value)
		case "data":
			if hasData {
				f.data = append(f.data, '\n')
			}
			f.data = append(f.data, value...)
			hasData = true
		}
	}
}
