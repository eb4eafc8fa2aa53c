package relay

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/logsplitter/internal/clock"
)

// Reply is how the fake board answers a command.
type Reply int

const (
	Ack Reply = iota
	Nak
	Silent
)

// Command is one line received by the fake board.
type Command struct {
	Relay int
	On    bool
}

// FakeBoard emulates the relay board on the far side of a Transport. Reads
// that find nothing advance the clock by Step, so waiting for an ack costs
// simulated time rather than wall time.
type FakeBoard struct {
	mu    sync.Mutex
	clk   *clock.Fake
	Step  time.Duration
	rx    bytes.Buffer
	tx    bytes.Buffer
	queue []Reply

	// Respond, if set, picks the reply for commands not covered by the
	// scripted queue. The default is Ack.
	Respond func(Command) Reply

	commands []Command
	relays   [MaxRelays + 1]bool
}

// NewFakeBoard returns a board whose idle reads advance clk by 1ms.
func NewFakeBoard(clk *clock.Fake) *FakeBoard {
	return &FakeBoard{clk: clk, Step: time.Millisecond}
}

// Script queues replies for the next commands, in order.
func (b *FakeBoard) Script(replies ...Reply) {
	b.mu.Lock()
	b.queue = append(b.queue, replies...)
	b.mu.Unlock()
}

// Inject queues unsolicited output from the board.
func (b *FakeBoard) Inject(s string) {
	b.mu.Lock()
	b.tx.WriteString(s)
	b.mu.Unlock()
}

// Write receives command bytes from the link.
func (b *FakeBoard) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rx.Write(p)
	for {
		line, err := b.rx.ReadString('\n')
		if err != nil {
			// Partial line: keep it for the next write.
			b.rx.Reset()
			b.rx.WriteString(line)
			break
		}
		b.handle(line)
	}
	return len(p), nil
}

func (b *FakeBoard) handle(line string) {
	var id int
	var word string
	if _, err := fmt.Sscanf(line, "R%d %s", &id, &word); err != nil || id < 1 || id > MaxRelays {
		b.tx.WriteString("ERR bad command\n")
		return
	}
	cmd := Command{Relay: id, On: word == "ON"}
	b.commands = append(b.commands, cmd)

	r := Ack
	switch {
	case len(b.queue) > 0:
		r = b.queue[0]
		b.queue = b.queue[1:]
	case b.Respond != nil:
		r = b.Respond(cmd)
	}
	switch r {
	case Ack:
		b.relays[id] = cmd.On
		fmt.Fprintf(&b.tx, "R%d %s OK\n", id, word)
	case Nak:
		b.tx.WriteString("NAK\n")
	}
}

// Read returns pending board output, or advances the clock and returns 0.
func (b *FakeBoard) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx.Len() == 0 {
		b.clk.Advance(b.Step)
		return 0, nil
	}
	return b.tx.Read(p)
}

// Commands returns every command the board has received.
func (b *FakeBoard) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

// Relay returns the board's own view of relay id.
func (b *FakeBoard) Relay(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relays[id]
}

// Reset forgets received commands.
func (b *FakeBoard) Reset() {
	b.mu.Lock()
	b.commands = nil
	b.mu.Unlock()
}
