package job

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives the chat messages of one job
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Stream identifies a process output stream
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

const (
	// maxLineBytes is the longest output line the relay will read
	maxLineBytes = 1024 * 1024
	sendTimeout  = 30 * time.Second
)

// Relay is the single writer of a job's sink. Producers enqueue without
// blocking and one goroutine delivers messages in FIFO order, so lines of
// the same stream keep the order they were produced in.
type Relay struct {
	sink   Sink
	logger *zap.Logger

	mu     sync.Mutex
	queue  []string
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewRelay starts the delivery goroutine
func NewRelay(sink Sink, logger *zap.Logger) *Relay {
	r := &Relay{
		sink:   sink,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Send enqueues text. It reports false once the relay is closed.
func (r *Relay) Send(text string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, text)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Line enqueues one output line formatted for its stream. Empty lines are dropped.
func (r *Relay) Line(stream Stream, line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if stream == Stderr {
		r.Send("> *" + line + "*")
		return
	}
	r.Send("> " + line)
}

// Pump reads rd line by line until EOF or a read error. Lines longer than
// maxLineBytes are truncated and reading continues with the next line.
func (r *Relay) Pump(stream Stream, rd io.Reader) error {
	br := bufio.NewReaderSize(rd, 64*1024)
	var line []byte
	truncated := false

	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 && !truncated {
			if room := maxLineBytes - len(line); len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
				r.logger.Warn("output line too long, truncating", zap.Stringer("stream", stream))
			}
			line = append(line, chunk...)
		}
		if err != nil {
			if len(line) > 0 {
				r.Line(stream, string(line))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		if isPrefix {
			continue
		}
		if truncated {
			line = append(line, "..."...)
		}
		r.Line(stream, string(line))
		line = line[:0]
		truncated = false
	}
}

// Close delivers everything queued and stops the relay
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.done
}

func (r *Relay) drain() {
	defer close(r.done)

	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		closed := r.closed
		r.mu.Unlock()

		for _, text := range batch {
			r.deliver(text)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-r.wake
	}
}

// deliver sends one message; failures are logged and never stop the relay
func (r *Relay) deliver(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := r.sink.Send(ctx, text); err != nil {
		r.logger.Warn("failed to send message", zap.Error(err))
	}
}
