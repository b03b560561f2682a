package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// InterruptHandler turns the first interrupt signal into a context
// cancellation and tells the operator what state the batch was left in.
type InterruptHandler struct {
	writer      io.Writer
	batchID     string
	interrupted bool
	mu          sync.Mutex
}

// NewInterruptHandler creates a new interrupt handler.
func NewInterruptHandler(writer io.Writer) *InterruptHandler {
	if writer == nil {
		writer = os.Stdout
	}
	return &InterruptHandler{
		writer: writer,
	}
}

// HandleInterrupts returns a context canceled on SIGINT or SIGTERM. The
// signal watcher stops when the returned cancel function is called or the
// parent context ends.
func (h *InterruptHandler) HandleInterrupts(ctx context.Context, batchID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	h.batchID = batchID

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			h.Interrupt()
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Interrupt records the interruption and prints the resume hint once.
func (h *InterruptHandler) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.interrupted {
		return
	}
	h.interrupted = true

	msg := "\n\n" + FormatWarning("Matching interrupted!")
	if h.batchID != "" {
		msg += "\n" + FormatInfo(fmt.Sprintf("Batch %s was left staged and nothing was activated.", h.batchID))
		msg += "\n" + FormatInfo(fmt.Sprintf("Run it again with: districtlink match %s", h.batchID))
	}
	msg += "\n"

	if _, err := fmt.Fprint(h.writer, msg); err != nil {
		// Best effort - we're shutting down anyway
		fmt.Fprintf(os.Stderr, "Failed to write interrupt message: %v\n", err)
	}
}

// WasInterrupted returns true if the process was interrupted.
func (h *InterruptHandler) WasInterrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}
