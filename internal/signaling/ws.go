package signaling

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pperf/internal/candidate"
)

// incomingBufferSize is how many remote batches may wait for the consumer.
const incomingBufferSize = 16

// WSClient is the incremental Channel. Remote candidate batches that arrive
// after the description exchange are delivered through Incoming.
type WSClient struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	answers  chan string
	incoming chan []candidate.Candidate

	quit      chan struct{} // closed by Close
	done      chan struct{} // closed when the read loop exits
	err       error         // read loop failure, valid after done
	closeOnce sync.Once
}

// DialWS connects to the WebSocket route of the server at baseURL. http(s)
// schemes are mapped to ws(s) and a missing path defaults to RouteWS.
func DialWS(ctx context.Context, baseURL string) (*WSClient, error) {
	target, err := wsURL(baseURL)
	if err != nil {
		return nil, failed("bad signaling URL %q: %v", baseURL, err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, failed("failed to connect to %s: %v", target, err)
	}

	c := &WSClient{
		conn:     conn,
		answers:  make(chan string, 1),
		incoming: make(chan []candidate.Candidate, incomingBufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func wsURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = RouteWS
	}
	return u.String(), nil
}

// SubmitOffer sends the offer and waits for the answer.
func (c *WSClient) SubmitOffer(ctx context.Context, desc string) (string, error) {
	if err := c.send(Message{Type: MsgTypeOffer, SDP: desc}); err != nil {
		return "", err
	}
	select {
	case answer := <-c.answers:
		return answer, nil
	case <-c.done:
		return "", c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PublishCandidates trickles a batch to the peer. Replies arrive on Incoming,
// so it always returns a nil slice.
func (c *WSClient) PublishCandidates(ctx context.Context, cands []candidate.Candidate) ([]candidate.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, c.send(Message{Type: MsgTypeCandidates, Candidates: nonNil(cands)})
}

// Incoming delivers remote candidate batches in arrival order. It is closed
// after Done, so Err is valid once a receive reports the channel closed.
func (c *WSClient) Incoming() <-chan []candidate.Candidate {
	return c.incoming
}

// Done is closed when the connection is gone; Err then explains why.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Err returns the read loop failure, or nil after a local Close.
func (c *WSClient) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends a close frame, drops the connection and waits for the read loop.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *WSClient) send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return failed("write %s: %v", msg.Type, err)
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.incoming)
	defer close(c.done)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.quit:
			default:
				c.err = failed("read: %v", err)
			}
			return
		}

		switch msg.Type {
		case MsgTypeAnswer:
			select {
			case c.answers <- msg.SDP:
			default:
				c.err = failed("unsolicited answer")
				return
			}

		case MsgTypeCandidates:
			if err := validateAll(msg.Candidates); err != nil {
				c.err = failed("%v", err)
				return
			}
			select {
			case c.incoming <- msg.Candidates:
			case <-c.quit:
				return
			}

		case MsgTypeError:
			c.err = failed("peer: %s", msg.Error)
			return

		default:
			c.err = failed("unexpected message type %q", msg.Type)
			return
		}
	}
}
