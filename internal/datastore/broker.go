package datastore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
)

// Header is one broker frame header. Order is preserved on re-publish.
type Header struct {
	Key   string
	Value string
}

// Frame is a received broker message.
type Frame struct {
	MessageID string
	Headers   []Header
	Body      []byte

	ack func() error
}

func (f *Frame) Header(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

func (f *Frame) Ack() error {
	if f.ack == nil {
		return errors.New("frame has no ack handle")
	}
	return f.ack()
}

// brokerClient is the slice of a STOMP connection the broker store uses.
type brokerClient interface {
	// Session is the broker-assigned session id. Message ids of frames
	// produced on this connection start with it.
	Session() string
	Send(destination string, body []byte, headers []Header) error
	// Subscribe opens a client-acknowledged subscription; "" selects all.
	Subscribe(destination, selector string) (brokerSubscription, error)
	Close() error
}

type brokerSubscription interface {
	// Receive waits up to timeout for one frame; nil, nil on timeout.
	Receive(ctx context.Context, timeout time.Duration) (*Frame, error)
	Unsubscribe() error
}

type dialFunc func(cfg StompConfig) (brokerClient, error)

// brokerAssignedHeaders are dropped when a frame is re-published.
var brokerAssignedHeaders = map[string]struct{}{
	frame.MessageId:     {},
	frame.Destination:   {},
	frame.Subscription:  {},
	frame.Ack:           {},
	frame.ContentLength: {},
	frame.ContentType:   {},
	"redelivered":       {},
	"timestamp":         {},
	"expires":           {},
	"priority":          {},
}

type stompClient struct {
	conn *stomp.Conn
}

func dialStomp(cfg StompConfig) (brokerClient, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: parse broker uri: %v", ErrTransport, err)
	}
	switch u.Scheme {
	case "tcp", "stomp":
	default:
		return nil, fmt.Errorf("unsupported broker uri scheme %q (use tcp|stomp)", u.Scheme)
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(0, 0),
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		opts = append(opts, stomp.ConnOpt.Login(u.User.Username(), pass))
	}
	if cfg.VirtualHost != "" {
		opts = append(opts, stomp.ConnOpt.Host(cfg.VirtualHost))
	}
	conn, err := stomp.Dial("tcp", u.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, u.Host, err)
	}
	return &stompClient{conn: conn}, nil
}

func (c *stompClient) Session() string { return c.conn.Session() }

func (c *stompClient) Send(destination string, body []byte, headers []Header) error {
	// No content-length so brokers deliver text rather than bytes messages.
	opts := []func(*frame.Frame) error{stomp.SendOpt.NoContentLength}
	for _, h := range headers {
		opts = append(opts, stomp.SendOpt.Header(h.Key, h.Value))
	}
	return c.conn.Send(destination, "application/json", body, opts...)
}

func (c *stompClient) Subscribe(destination, selector string) (brokerSubscription, error) {
	var opts []func(*frame.Frame) error
	if selector != "" {
		opts = append(opts, stomp.SubscribeOpt.Header("selector", selector))
	}
	sub, err := c.conn.Subscribe(destination, stomp.AckClientIndividual, opts...)
	if err != nil {
		return nil, err
	}
	return &stompSubscription{conn: c.conn, sub: sub}, nil
}

func (c *stompClient) Close() error { return c.conn.Disconnect() }

type stompSubscription struct {
	conn *stomp.Conn
	sub  *stomp.Subscription
}

func (s *stompSubscription) Receive(ctx context.Context, timeout time.Duration) (*Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg, ok := <-s.sub.C:
		if !ok {
			return nil, errors.New("subscription closed")
		}
		if msg.Err != nil {
			return nil, msg.Err
		}
		f := &Frame{Body: msg.Body}
		if msg.Header != nil {
			f.MessageID = msg.Header.Get(frame.MessageId)
			for i := 0; i < msg.Header.Len(); i++ {
				k, v := msg.Header.GetAt(i)
				f.Headers = append(f.Headers, Header{Key: k, Value: v})
			}
		}
		f.ack = func() error { return s.conn.Ack(msg) }
		return f, nil
	}
}

func (s *stompSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
