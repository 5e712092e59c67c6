package stream

import (
	"errors"
	"io"
	"time"
)

// Join combines a read half and a write half, such as a child process's
// stdout and stdin, into one stream. Write deadlines are forwarded to the
// write half when it supports them.
func Join(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &duplex{r: r, w: w}
}

type duplex struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d *duplex) Close() error {
	return errors.Join(d.w.Close(), d.r.Close())
}

func (d *duplex) SetWriteDeadline(t time.Time) error {
	if wd, ok := d.w.(writeDeadliner); ok {
		return wd.SetWriteDeadline(t)
	}
	return nil
}
