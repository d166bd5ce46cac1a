// Package transport frames discrete messages over a bidirectional byte
// stream (a pipe pair, a Unix socket, a net.Pipe in tests).
//
// Every frame is a 4-byte big-endian body length followed by the body.
// A Channel is owned by exactly one session: one goroutine reads, and
// writes from any goroutine are serialized by the channel's writer slot.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// FrameHeaderSize is the length prefix size in bytes.
	FrameHeaderSize = 4

	// DefaultMaxFrameSize bounds a single frame body.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("transport: channel closed")

	// ErrFrameTooLarge is returned when a frame body exceeds the
	// configured maximum, on either side of the stream.
	ErrFrameTooLarge = errors.New("transport: frame too large")

	// ErrTruncatedFrame is returned when the stream ends in the middle
	// of a frame.
	ErrTruncatedFrame = errors.New("transport: truncated frame")

	// ErrWriteAborted is returned when ctx ended while a frame was on
	// the wire. The channel is closed, since the peer may have received
	// part of the frame.
	ErrWriteAborted = errors.New("transport: write aborted")
)

// Channel frames messages over an io.ReadWriteCloser.
type Channel struct {
	stream       io.ReadWriteCloser
	maxFrameSize int

	writeSlot  chan struct{}
	readerLock sync.Mutex
	header     [FrameHeaderSize]byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Channel.
type Option func(*Channel)

// WithMaxFrameSize overrides DefaultMaxFrameSize. Non-positive values
// are ignored.
func WithMaxFrameSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// New wraps stream in a Channel. The Channel takes ownership of stream
// and closes it on Close.
func New(stream io.ReadWriteCloser, opts ...Option) *Channel {
	c := &Channel{
		stream:       stream,
		maxFrameSize: DefaultMaxFrameSize,
		writeSlot:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxFrameSize returns the largest body this channel accepts.
func (c *Channel) MaxFrameSize() int {
	return c.maxFrameSize
}

// ReadFrame blocks until one complete frame is available and returns its
// body. It returns io.EOF when the stream ends cleanly on a frame
// boundary, ErrTruncatedFrame when it ends inside a frame, and
// ErrFrameTooLarge when the announced length is over the limit (the
// stream is then out of sync and must be abandoned).
func (c *Channel) ReadFrame() ([]byte, error) {
	c.readerLock.Lock()
	defer c.readerLock.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}

	if _, err := io.ReadFull(c.stream, c.header[:]); err != nil {
		return nil, c.readError(err)
	}

	length := binary.BigEndian.Uint32(c.header[:])
	if uint64(length) > uint64(c.maxFrameSize) {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrFrameTooLarge, length, c.maxFrameSize)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.stream, body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, c.readError(err)
		}
	}

	return body, nil
}

func (c *Channel) readError(err error) error {
	switch {
	case c.closed.Load():
		return ErrClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	case errors.Is(err, io.EOF):
		return io.EOF
	default:
		return fmt.Errorf("transport: read failed: %w", err)
	}
}

// WriteFrame writes body as a single frame. The header and body go out
// in one Write call so concurrent writers never interleave.
//
// ctx bounds both the wait for the writer slot and the write itself. A
// writer still queued when ctx ends gets ctx.Err() and nothing is sent.
// A write still in flight when ctx ends closes the channel to release
// it and returns ErrWriteAborted wrapping ctx.Err().
func (c *Channel) WriteFrame(ctx context.Context, body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(body) > c.maxFrameSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrFrameTooLarge, len(body), c.maxFrameSize)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[FrameHeaderSize:], body)

	select {
	case c.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.closed.Load() {
		<-c.writeSlot
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		<-c.writeSlot
		return err
	}

	if ctx.Done() == nil {
		defer func() { <-c.writeSlot }()
		return c.write(frame)
	}

	// The slot is released by the writing goroutine, so an abandoned
	// write keeps later writers out until Close unblocks it.
	done := make(chan error, 1)
	go func() {
		err := c.write(frame)
		<-c.writeSlot
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		_ = c.Close()
		return fmt.Errorf("%w: %w", ErrWriteAborted, ctx.Err())
	}
}

func (c *Channel) write(frame []byte) error {
	if _, err := c.stream.Write(frame); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}

// Close closes the underlying stream. It is safe to call more than once;
// only the first call's error is returned.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}
