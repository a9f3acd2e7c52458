package client

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// Transmitter wraps a connection with push-to-talk helpers for one walkie
// channel. Segment sequence numbers increase per transmission so receivers
// can order playback.
type Transmitter struct {
	conn         *Conn
	channelID    string
	seq          int
	transmitting bool
}

// NewTransmitter creates a transmitter for a walkie channel.
func NewTransmitter(conn *Conn, channelID string) *Transmitter {
	return &Transmitter{conn: conn, channelID: channelID}
}

// IsTransmitting reports whether a transmission is in progress.
func (t *Transmitter) IsTransmitting() bool { return t.transmitting }

// Start announces the beginning of a transmission. The relay-side arbiter
// may still deny the speak request; denial arrives as a subscription error
// on the channel topic.
func (t *Transmitter) Start(ctx context.Context) error {
	if t.transmitting {
		return fmt.Errorf("already transmitting")
	}
	if err := t.publish(ctx, protocol.TransmitStart, 0, nil); err != nil {
		return fmt.Errorf("start transmission: %w", err)
	}
	t.transmitting = true
	t.seq = 0
	return nil
}

// SendSegment ships one audio segment.
func (t *Transmitter) SendSegment(ctx context.Context, data []byte) error {
	if !t.transmitting {
		return fmt.Errorf("not transmitting")
	}
	t.seq++
	if err := t.publish(ctx, protocol.TransmitSegment, t.seq, data); err != nil {
		return fmt.Errorf("send segment %d: %w", t.seq, err)
	}
	return nil
}

// Stop announces the end of the transmission, releasing the speaker lock.
func (t *Transmitter) Stop(ctx context.Context) error {
	if !t.transmitting {
		return fmt.Errorf("not transmitting")
	}
	if err := t.publish(ctx, protocol.TransmitStop, 0, nil); err != nil {
		return fmt.Errorf("stop transmission: %w", err)
	}
	t.transmitting = false
	return nil
}

// SendFromReader streams chunked audio from a reader (e.g. an encoder pipe)
// for the duration of one transmission.
func (t *Transmitter) SendFromReader(ctx context.Context, r io.Reader, chunkSize int) error {
	if err := t.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = t.Stop(ctx) }()

	br := bufio.NewReader(r)
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			n, err := br.Read(buf)
			if n > 0 {
				if serr := t.SendSegment(ctx, buf[:n]); serr != nil {
					return serr
				}
			}
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return fmt.Errorf("read audio chunk: %w", err)
			}
		}
	}
}

func (t *Transmitter) publish(ctx context.Context, action string, seq int, data []byte) error {
	ev, err := protocol.NewEvent(
		protocol.WalkieTopic(t.channelID),
		protocol.KindChannelTransmit,
		t.conn.UserID(),
		protocol.TransmitPayload{
			ChannelID: t.channelID,
			UserID:    t.conn.UserID(),
			Action:    action,
			Seq:       seq,
			Data:      data,
		},
	)
	if err != nil {
		return err
	}
	return t.conn.Publish(ctx, ev)
}
