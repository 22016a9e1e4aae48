package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/igolaizola/citychat/pkg/memory"
)

// ErrClosed is returned when writing to a closed chat.
var ErrClosed = errors.New("chain: chat closed")

// Chat returns a chat session over the given memory. Each write is a human
// message; the answer can be read afterwards. Writes are processed in order.
func (c *Chain) Chat(ctx context.Context, mem memory.Memory) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	rd, wr := io.Pipe()
	conn := &Conn{
		chain:      c,
		ctx:        ctx,
		cancel:     cancel,
		memory:     mem,
		pipeReader: rd,
		pipeWriter: wr,
		responses:  make(chan string, 16),
	}
	go conn.forward()
	return conn
}

// Conn is a chat session.
type Conn struct {
	chain      *Chain
	ctx        context.Context
	cancel     context.CancelFunc
	memory     memory.Memory
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	responses  chan string
	lck        sync.Mutex
	closed     bool
}

// forward writes responses to the pipe in the order they were generated.
func (c *Conn) forward() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case response, ok := <-c.responses:
			if !ok {
				_ = c.pipeWriter.Close()
				return
			}
			if _, err := c.pipeWriter.Write([]byte(response + "\n")); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				log.Println(fmt.Errorf("chain: failed to write to pipe: %w", err))
				return
			}
		}
	}
}

// Read reads answers from the chat.
func (c *Conn) Read(b []byte) (n int, err error) {
	if c.ctx.Err() != nil {
		return 0, c.ctx.Err()
	}
	return c.pipeReader.Read(b)
}

// Write sends a human message and waits for the answer.
func (c *Conn) Write(b []byte) (n int, err error) {
	if c.ctx.Err() != nil {
		return 0, c.ctx.Err()
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return len(b), nil
	}

	c.lck.Lock()
	defer c.lck.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	response, err := c.chain.Turn(c.ctx, c.memory, text)
	if err != nil {
		return 0, err
	}

	select {
	case c.responses <- response:
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	}
	return len(b), nil
}

// CloseWrite stops accepting messages. Reads return io.EOF once the pending
// answers are read.
func (c *Conn) CloseWrite() error {
	c.lck.Lock()
	defer c.lck.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.responses)
	return nil
}

// Close closes the chat.
func (c *Conn) Close() error {
	_ = c.CloseWrite()
	c.cancel()
	_ = c.pipeWriter.Close()
	return c.pipeReader.Close()
}

// Turn answers the question using the whole history. The question and the
// answer are added to the memory together once the answer is generated, so a
// failed turn leaves the memory untouched.
func (c *Chain) Turn(ctx context.Context, mem memory.Memory, question string) (string, error) {
	human := memory.NewHuman(question)
	history := append(mem.Messages(), human)
	response, err := c.Invoke(ctx, history)
	if err != nil {
		return "", err
	}
	for _, m := range []memory.Message{human, memory.NewAssistant(response)} {
		if err := mem.Add(m); err != nil {
			return "", fmt.Errorf("chain: couldn't add message to memory: %w", err)
		}
	}
	return response, nil
}
