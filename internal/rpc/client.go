package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is a connection to the trellisd socket. Safe for concurrent use;
// calls on one client are serialized over the single connection.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// DefaultDialTimeout bounds the initial socket connect.
const DefaultDialTimeout = 5 * time.Second

// Dial connects to the daemon socket.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", sockPath, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w", sockPath, err)
	}
	reader := bufio.NewReaderSize(conn, 64*1024)
	return &Client{conn: conn, reader: reader, writer: bufio.NewWriter(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends one request and waits for its response. A Response with
// Success=false is returned as a *CallError carrying the server's error
// code.
func (c *Client) Call(operation string, args any) (json.RawMessage, error) {
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		rawArgs = b
	}
	req := Request{Operation: operation, Args: rawArgs, ClientVersion: ServerVersion}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("client is closed")
	}

	if _, err := c.writer.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("invalid response JSON: %w", err)
	}
	if !resp.Success {
		return resp.Data, &CallError{Operation: operation, Message: resp.Error, Code: resp.Code, Suggestion: resp.Suggestion}
	}
	return resp.Data, nil
}

// CallInto performs Call and unmarshals the response data into out.
func (c *Client) CallInto(operation string, args, out any) error {
	data, err := c.Call(operation, args)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CallError is a server-side failure surfaced to the client, carrying the
// error taxonomy code. Partial bulk failures also carry the result payload
// in the Response data; callers needing it use Call directly.
type CallError struct {
	Operation  string
	Message    string
	Code       string
	Suggestion string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}
