package cdpilot

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	// DefaultReadBufferSize is the default maximum read buffer size.
	DefaultReadBufferSize = 25 * 1024 * 1024

	// DefaultWriteBufferSize is the default maximum write buffer size.
	DefaultWriteBufferSize = 10 * 1024 * 1024
)

// Transport is the common interface to send/receive messages to a browser
// endpoint.
type Transport interface {
	Read(*cdproto.Message) error
	Write(*cdproto.Message) error
	io.Closer
}

// Conn wraps a gorilla/websocket.Conn connection.
type Conn struct {
	conn *websocket.Conn

	// buf helps us reuse space when reading from the websocket.
	buf bytes.Buffer

	// reuse the easyjson structs to avoid allocs per Read/Write.
	lexer  jlexer.Lexer
	writer jwriter.Writer

	// writeMu serializes writers; reads are single-consumer by
	// construction.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	dbgf func(string, ...interface{})
}

// DialContext dials the specified websocket URL using gorilla/websocket.
func DialContext(ctx context.Context, urlstr string, opts ...DialOption) (*Conn, error) {
	d := &websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}

	// connect
	conn, _, err := d.DialContext(ctx, urlstr, nil)
	if err != nil {
		return nil, err
	}

	// apply opts
	c := &Conn{
		conn: conn,
	}
	for _, o := range opts {
		o(c)
	}

	return c, nil
}

func (c *Conn) bufReadAll(r io.Reader) ([]byte, error) {
	c.buf.Reset()
	_, err := c.buf.ReadFrom(r)
	return c.buf.Bytes(), err
}

// Read reads the next message.
func (c *Conn) Read(msg *cdproto.Message) error {
	// get websocket reader
	typ, r, err := c.conn.NextReader()
	if err != nil {
		return err
	}
	if typ != websocket.TextMessage {
		return ErrInvalidWebsocketMessage
	}

	// Unmarshal via a bytes.Buffer to reuse read space across messages.
	buf, err := c.bufReadAll(r)
	if err != nil {
		return err
	}
	if c.dbgf != nil {
		c.dbgf("<- %s", buf)
	}

	// Reuse the easyjson lexer.
	c.lexer = jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&c.lexer)
	if err := c.lexer.Error(); err != nil {
		return err
	}

	// bufReadAll uses the buffer space directly, and msg.Result/Params are
	// easyjson.RawMessage, so copy those bytes to prevent data races with
	// the next Read.
	msg.Result = append([]byte{}, msg.Result...)
	msg.Params = append([]byte{}, msg.Params...)
	return nil
}

// Write writes a message.
func (c *Conn) Write(msg *cdproto.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	defer w.Close()

	// Reuse the easyjson writer.
	c.writer = jwriter.Writer{}

	msg.MarshalEasyJSON(&c.writer)
	if err := c.writer.Error; err != nil {
		return err
	}

	// BuildBytes consumes the buffer, so we can't use it as well as DumpTo.
	if c.dbgf != nil {
		buf, _ := c.writer.BuildBytes()
		c.dbgf("-> %s", buf)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	} else {
		if _, err := c.writer.DumpTo(w); err != nil {
			return err
		}
	}
	return w.Close()
}

// Close closes the websocket. It is idempotent: calling it on an already
// closed connection returns the original close result immediately.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ForceIP forces the host component in urlstr to be an IP address.
//
// Since Chrome 66+, Chrome DevTools Protocol clients connecting to a browser
// must send the "Host:" header as either an IP address, or "localhost".
func ForceIP(urlstr string) string {
	if i := strings.Index(urlstr, "://"); i != -1 {
		scheme := urlstr[:i+3]
		host, port, path := urlstr[len(scheme):], "", ""
		if i := strings.Index(host, "/"); i != -1 {
			host, path = host[:i], host[i:]
		}
		if i := strings.Index(host, ":"); i != -1 {
			host, port = host[:i], host[i:]
		}
		if addr, err := net.ResolveIPAddr("ip", host); err == nil {
			urlstr = scheme + addr.IP.String() + port + path
		}
	}
	return urlstr
}

// DialOption is a dial option.
type DialOption func(*Conn)

// WithConnDebugf is a dial option to set a protocol logger.
func WithConnDebugf(f func(string, ...interface{})) DialOption {
	return func(c *Conn) {
		c.dbgf = f
	}
}
