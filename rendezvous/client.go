package rendezvous

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Moods reported to the server when a mailbox is closed. The server relays
// them to monitoring only; peers never observe each other's mood.
const (
	MoodHappy  = "happy"  // protocol completed normally
	MoodScary  = "scary"  // key confirmation failed, possible attack
	MoodErrory = "errory" // local or protocol error
)

var (
	// ErrConnectionClosed is returned when an operation is attempted after
	// the websocket connection to the server has been lost.
	ErrConnectionClosed = errors.New("rendezvous connection closed")

	// ErrWelcomeRefused is returned by Connect when the server's welcome
	// frame carries an error, meaning the server refuses service.
	ErrWelcomeRefused = errors.New("rendezvous server refused connection")
)

// ServerError is a failure reported by the rendezvous server in response to
// a client request, for example "crowded" when a nameplate already has two
// claims.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rendezvous server error: %s", e.Reason)
}

const (
	repliesBuffer  = 8
	messagesBuffer = 64
)

// Client is a connection to a rendezvous server bound to one application ID
// and one side. A Client supports a single request in flight at a time;
// mailbox messages are delivered independently of requests.
type Client struct {
	url   string
	appID string
	side  string

	conn    *websocket.Conn
	writeMu sync.Mutex

	replies  chan serverFrame
	messages chan Message

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Connect dials the rendezvous server at url, waits for its welcome frame
// and binds appID and side. The side string distinguishes the two peers
// sharing a mailbox and must be unique per connection.
func Connect(ctx context.Context, url, appID, side string) (*Client, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      url,
		"side":     side,
	}).Info("Connecting to rendezvous server")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rendezvous server: %w", err)
	}

	c := &Client{
		url:      url,
		appID:    appID,
		side:     side,
		conn:     conn,
		replies:  make(chan serverFrame, repliesBuffer),
		messages: make(chan Message, messagesBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	welcome, err := c.await(ctx, frameWelcome)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to receive welcome: %w", err)
	}
	if welcome.Welcome != nil {
		if welcome.Welcome.Error != "" {
			c.Close()
			return nil, fmt.Errorf("%w: %s", ErrWelcomeRefused, welcome.Welcome.Error)
		}
		if welcome.Welcome.MOTD != "" {
			logrus.WithFields(logrus.Fields{
				"function": "Connect",
				"motd":     welcome.Welcome.MOTD,
			}).Info("Rendezvous server message of the day")
		}
	}

	if err := c.send(clientFrame{Type: frameBind, AppID: appID, Side: side}); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to bind: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"side":     side,
	}).Info("Rendezvous connection established")
	return c, nil
}

// Side returns the side string this client bound with.
func (c *Client) Side() string {
	return c.side
}

// Allocate reserves a fresh nameplate on the server and returns its label.
func (c *Client) Allocate(ctx context.Context) (string, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Allocate",
		"side":     c.side,
	}).Debug("Allocating nameplate")

	if err := c.send(clientFrame{Type: frameAllocate}); err != nil {
		return "", fmt.Errorf("failed to request nameplate: %w", err)
	}
	reply, err := c.await(ctx, frameAllocated)
	if err != nil {
		return "", fmt.Errorf("failed to allocate nameplate: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Allocate",
		"nameplate": reply.Nameplate,
	}).Info("Nameplate allocated")
	return reply.Nameplate, nil
}

// Claim claims a nameplate and returns the mailbox it points at. The server
// rejects a third claim on the same nameplate with a "crowded" error, which
// callers should treat as evidence the code was already redeemed.
func (c *Client) Claim(ctx context.Context, nameplate string) (string, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "Claim",
		"nameplate": nameplate,
		"side":      c.side,
	}).Debug("Claiming nameplate")

	if err := c.send(clientFrame{Type: frameClaim, Nameplate: nameplate}); err != nil {
		return "", fmt.Errorf("failed to request claim: %w", err)
	}
	reply, err := c.await(ctx, frameClaimed)
	if err != nil {
		return "", fmt.Errorf("failed to claim nameplate %s: %w", nameplate, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Claim",
		"nameplate": nameplate,
		"mailbox":   reply.Mailbox,
	}).Info("Nameplate claimed")
	return reply.Mailbox, nil
}

// Open subscribes this client to a mailbox. The server replays all stored
// messages and streams new ones as they arrive.
func (c *Client) Open(ctx context.Context, mailbox string) error {
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"mailbox":  mailbox,
		"side":     c.side,
	}).Debug("Opening mailbox")

	if err := c.send(clientFrame{Type: frameOpen, Mailbox: mailbox}); err != nil {
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	return nil
}

// AddMessage posts a phase-labelled body to the open mailbox. The body is
// hex-encoded on the wire.
func (c *Client) AddMessage(ctx context.Context, phase string, body []byte) error {
	logrus.WithFields(logrus.Fields{
		"function": "AddMessage",
		"phase":    phase,
		"size":     len(body),
	}).Debug("Adding mailbox message")

	frame := clientFrame{Type: frameAdd, Phase: phase, Body: hex.EncodeToString(body)}
	if err := c.send(frame); err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}

// Messages returns the channel of mailbox messages from the peer side. The
// channel is never closed; use Next or select against ctx.Done to bound a
// read.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Next returns the next mailbox message from the peer side, blocking until
// one arrives, the context is cancelled or the connection is lost.
func (c *Client) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case <-c.done:
		// Drain anything delivered before the connection dropped.
		select {
		case msg := <-c.messages:
			return msg, nil
		default:
		}
		return Message{}, fmt.Errorf("%w: %v", ErrConnectionClosed, c.readErr)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Release drops this side's claim on a nameplate. Both sides release once
// the mailbox is open so the label can eventually be recycled.
func (c *Client) Release(ctx context.Context, nameplate string) error {
	logrus.WithFields(logrus.Fields{
		"function":  "Release",
		"nameplate": nameplate,
	}).Debug("Releasing nameplate")

	if err := c.send(clientFrame{Type: frameRelease, Nameplate: nameplate}); err != nil {
		return fmt.Errorf("failed to request release: %w", err)
	}
	if _, err := c.await(ctx, frameReleased); err != nil {
		return fmt.Errorf("failed to release nameplate %s: %w", nameplate, err)
	}
	return nil
}

// CloseMailbox closes a mailbox with the given mood and stops delivery of
// its messages to this client.
func (c *Client) CloseMailbox(ctx context.Context, mailbox, mood string) error {
	logrus.WithFields(logrus.Fields{
		"function": "CloseMailbox",
		"mailbox":  mailbox,
		"mood":     mood,
	}).Debug("Closing mailbox")

	if err := c.send(clientFrame{Type: frameClose, Mailbox: mailbox, Mood: mood}); err != nil {
		return fmt.Errorf("failed to request mailbox close: %w", err)
	}
	if _, err := c.await(ctx, frameClosed); err != nil {
		return fmt.Errorf("failed to close mailbox %s: %w", mailbox, err)
	}
	return nil
}

// Close tears down the websocket connection. It is safe to call multiple
// times and after a connection loss.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"side":     c.side,
		}).Debug("Closing rendezvous connection")
		err = c.conn.Close()
	})
	return err
}

// send writes a single frame to the server. Writes are serialized because
// gorilla/websocket permits only one concurrent writer.
func (c *Client) send(frame clientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrConnectionClosed, c.readErr)
	default:
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// await reads reply frames until one of the wanted type arrives. Error
// frames abort the wait with a *ServerError; frames of other types are
// logged and skipped.
func (c *Client) await(ctx context.Context, want string) (serverFrame, error) {
	for {
		select {
		case reply := <-c.replies:
			switch reply.Type {
			case want:
				return reply, nil
			case frameError:
				return serverFrame{}, &ServerError{Reason: reply.Error}
			default:
				logrus.WithFields(logrus.Fields{
					"function": "await",
					"want":     want,
					"got":      reply.Type,
				}).Warn("Skipping unexpected server frame")
			}
		case <-c.done:
			return serverFrame{}, fmt.Errorf("%w: %v", ErrConnectionClosed, c.readErr)
		case <-ctx.Done():
			return serverFrame{}, ctx.Err()
		}
	}
}

// readLoop decodes server frames and routes them: acks are dropped, mailbox
// messages from the peer side go to the messages channel, everything else
// is a reply to a pending request.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			close(c.done)
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err,
			}).Warn("Discarding malformed server frame")
			continue
		}

		switch frame.Type {
		case frameAck:
			// Acks carry no information the client acts on.
		case frameMessage:
			if frame.Side == c.side {
				continue // echo of our own message
			}
			body, err := hex.DecodeString(frame.Body)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"phase":    frame.Phase,
					"error":    err,
				}).Warn("Discarding message with malformed body")
				continue
			}
			select {
			case c.messages <- Message{Side: frame.Side, Phase: frame.Phase, Body: body}:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"phase":    frame.Phase,
				}).Warn("Message buffer full, dropping mailbox message")
			}
		default:
			select {
			case c.replies <- frame:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"type":     frame.Type,
				}).Warn("Reply buffer full, dropping server frame")
			}
		}
	}
}
