package xmlstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// NSClient is the default content namespace of a client stream.
const NSClient = "jabber:client"

// ErrWriterClosed is returned for writes after Close.
var ErrWriterClosed = errors.New("xmlstream: writer closed")

type writeReq struct {
	data []byte
	done chan error
}

// Writer serializes elements onto the transport from its own goroutine so a
// slow peer never blocks the caller. Writes are delivered in call order.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	queue   []writeReq
	wake    chan struct{}
	stopped chan struct{}
	closed  bool
	err     error
}

// NewWriter starts a writer on w
func NewWriter(w io.Writer) *Writer {
	wr := &Writer{
		w:       w,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go wr.loop()
	return wr
}

func (w *Writer) loop() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			if w.closed {
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			<-w.wake
			w.mu.Lock()
		}
		batch := w.queue
		w.queue = nil
		dst := w.w
		w.mu.Unlock()

		for _, req := range batch {
			w.mu.Lock()
			err := w.err
			w.mu.Unlock()
			if err == nil && len(req.data) > 0 {
				if _, err = dst.Write(req.data); err != nil {
					w.mu.Lock()
					if w.err == nil {
						w.err = err
					}
					w.mu.Unlock()
				}
			}
			if req.done != nil {
				req.done <- err
			}
		}
	}
}

func (w *Writer) enqueue(req writeReq) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	w.queue = append(w.queue, req)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// WriteElement queues a top-level element of the client stream.
func (w *Writer) WriteElement(e *Element) error {
	return w.enqueue(writeReq{data: e.Marshal(NSClient)})
}

// WriteRaw queues pre-serialized data.
func (w *Writer) WriteRaw(s string) error {
	return w.enqueue(writeReq{data: []byte(s)})
}

// OpenStream queues the XML declaration and the stream header.
func (w *Writer) OpenStream(to, from, lang string) error {
	var b strings.Builder
	b.WriteString("<?xml version='1.0'?><stream:stream xmlns='")
	b.WriteString(NSClient)
	b.WriteString("' xmlns:stream='")
	b.WriteString(NSStream)
	b.WriteString("' to='")
	escape(&b, to)
	b.WriteByte('\'')
	if from != "" {
		b.WriteString(" from='")
		escape(&b, from)
		b.WriteByte('\'')
	}
	b.WriteString(" version='1.0'")
	if lang != "" {
		b.WriteString(" xml:lang='")
		escape(&b, lang)
		b.WriteByte('\'')
	}
	b.WriteByte('>')
	return w.WriteRaw(b.String())
}

// CloseStream queues the closing stream tag.
func (w *Writer) CloseStream() error {
	return w.WriteRaw("</stream:stream>")
}

// Flush blocks until every write queued before it reached the transport.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if err := w.enqueue(writeReq{done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to flush stream: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset retargets the writer, e.g. onto the TLS connection. Callers flush first.
func (w *Writer) Reset(dst io.Writer) {
	w.mu.Lock()
	w.w = dst
	w.mu.Unlock()
}

// Err returns the first transport write error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the writer after pending writes are attempted.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.stopped
	return nil
}
