// Package adminclient talks to a gate's admin websocket: it signs
// privileged commands and streams enrollment photos in chunks.
package adminclient

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/auth"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/protocol"
)

// DefaultChunkSize is the raw photo bytes carried per PHOTO_CHUNK.
const DefaultChunkSize = 256

var ErrNoResponse = errors.New("adminclient: no response")

// RemoteError is an ERROR response from the gate.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gate: %s: %s", e.Code, e.Message)
}

type Client struct {
	conn      *websocket.Conn
	secret    string
	chunkSize int
	timeout   time.Duration
	now       func() time.Time

	mu sync.Mutex
}

type Options struct {
	ChunkSize int
	Timeout   time.Duration
}

// Dial connects to url (ws://host:port/v1/admin/ws).
func Dial(ctx context.Context, url, secret string, opt Options) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("adminclient.Dial: %w", err)
	}
	if opt.ChunkSize <= 0 {
		opt.ChunkSize = DefaultChunkSize
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	return &Client{
		conn:      conn,
		secret:    secret,
		chunkSize: opt.ChunkSize,
		timeout:   opt.Timeout,
		now:       time.Now,
	}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func needsSignature(cmd string) bool {
	switch cmd {
	case protocol.CmdBeginUpsert, protocol.CmdUpdatePeriod, protocol.CmdDeactivate, protocol.CmdDelete:
		return true
	}
	return false
}

// Send writes one command and waits for its response.  Privileged commands
// get a fresh nonce and signature.  ERROR responses are returned as-is with
// a nil error; use Do for the error form.
func (c *Client) Send(ctx context.Context, fields map[string]any) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, _ := fields["command"].(string)
	if needsSignature(cmd) {
		fields["nonce"] = auth.NewNonce(c.now(), uuid.NewString())
		sig, err := auth.Sign(c.secret, fields)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("adminclient.Send: %w", err)
		}
		fields["hmac"] = sig
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteJSON(fields); err != nil {
		return protocol.Response{}, fmt.Errorf("adminclient.Send: %w", err)
	}
	var resp protocol.Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return resp, nil
}

// Do is Send with ERROR responses turned into *RemoteError.
func (c *Client) Do(ctx context.Context, fields map[string]any) (protocol.Response, error) {
	resp, err := c.Send(ctx, fields)
	if err != nil {
		return resp, err
	}
	if resp.Type == protocol.TypeError {
		return resp, &RemoteError{Code: resp.Code, Message: resp.Message}
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (protocol.Response, error) {
	return c.Do(ctx, map[string]any{"command": protocol.CmdGetStatus})
}

func (c *Client) ListIdentities(ctx context.Context) (protocol.Response, error) {
	return c.Do(ctx, map[string]any{"command": protocol.CmdListIdentities})
}

func (c *Client) AuditLogs(ctx context.Context, identityID string, limit int, since string) (protocol.Response, error) {
	fields := map[string]any{"command": protocol.CmdGetAuditLogs}
	if identityID != "" {
		fields["identity_id"] = identityID
	}
	if limit > 0 {
		fields["limit"] = limit
	}
	if since != "" {
		fields["since"] = since
	}
	return c.Do(ctx, fields)
}

func (c *Client) Deactivate(ctx context.Context, id string) (protocol.Response, error) {
	return c.Do(ctx, map[string]any{"command": protocol.CmdDeactivate, "identity_id": id})
}

func (c *Client) Delete(ctx context.Context, id string) (protocol.Response, error) {
	return c.Do(ctx, map[string]any{"command": protocol.CmdDelete, "identity_id": id})
}

func (c *Client) UpdatePeriod(ctx context.Context, id, start, end string) (protocol.Response, error) {
	return c.Do(ctx, map[string]any{
		"command":      protocol.CmdUpdatePeriod,
		"identity_id":  id,
		"access_start": start,
		"access_end":   end,
	})
}

type Enrollment struct {
	IdentityID  string
	DisplayName string
	AccessStart string
	AccessEnd   string
	Photos      [][]byte
}

// Enroll runs BEGIN_UPSERT, one PHOTO_CHUNK stream per photo and
// END_UPSERT.  The END_UPSERT response is returned.
func (c *Client) Enroll(ctx context.Context, e Enrollment) (protocol.Response, error) {
	if len(e.Photos) == 0 {
		return protocol.Response{}, errors.New("adminclient.Enroll: no photos")
	}
	if _, err := c.Do(ctx, map[string]any{
		"command":      protocol.CmdBeginUpsert,
		"identity_id":  e.IdentityID,
		"display_name": e.DisplayName,
		"access_start": e.AccessStart,
		"access_end":   e.AccessEnd,
		"num_photos":   len(e.Photos),
	}); err != nil {
		return protocol.Response{}, err
	}

	for i, photo := range e.Photos {
		if err := c.sendPhoto(ctx, photo); err != nil {
			return protocol.Response{}, fmt.Errorf("photo %d: %w", i+1, err)
		}
	}

	return c.Do(ctx, map[string]any{"command": protocol.CmdEndUpsert})
}

func (c *Client) sendPhoto(ctx context.Context, photo []byte) error {
	if len(photo) == 0 {
		return errors.New("empty photo")
	}
	sum := sha256.Sum256(photo)
	total := (len(photo) + c.chunkSize - 1) / c.chunkSize

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min((i+1)*c.chunkSize, len(photo))
		last := i == total-1
		fields := map[string]any{
			"command":      protocol.CmdPhotoChunk,
			"chunk_index":  i,
			"total_chunks": total,
			"data":         base64.StdEncoding.EncodeToString(photo[i*c.chunkSize : end]),
			"is_last":      last,
		}
		if last {
			fields["sha256"] = hex.EncodeToString(sum[:])
		}
		resp, err := c.Do(ctx, fields)
		if err != nil {
			return err
		}
		if !last && resp.NextChunk != i+1 {
			return fmt.Errorf("gate expects chunk %d, sent %d", resp.NextChunk, i)
		}
	}
	return nil
}
