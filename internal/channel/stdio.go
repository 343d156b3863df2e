package channel

import (
	"errors"
	"io"
	"os"
)

// duplex joins a read side and a write side into one io.ReadWriteCloser.
type duplex struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (d duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d duplex) Close() error {
	return errors.Join(d.w.Close(), d.r.Close())
}

// Stdio is the worker-side view of a channel whose controller spawned this
// process. Nothing else may write to stdout once it is open.
func Stdio() *Stream {
	return NewStream(duplex{r: os.Stdin, w: os.Stdout}, DefaultStreamOptions("stdio"))
}
