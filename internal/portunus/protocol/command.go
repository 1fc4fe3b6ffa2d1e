// Package protocol decodes administrative command frames and routes them to
// the enrollment manager and identity store.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformed      = errors.New("malformed command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidField   = errors.New("invalid field")
)

// Command names on the wire.
const (
	CmdBeginUpsert    = "BEGIN_UPSERT"
	CmdPhotoChunk     = "PHOTO_CHUNK"
	CmdEndUpsert      = "END_UPSERT"
	CmdUpdatePeriod   = "UPDATE_PERIOD"
	CmdDeactivate     = "DEACTIVATE"
	CmdDelete         = "DELETE"
	CmdGetStatus      = "GET_STATUS"
	CmdListIdentities = "LIST_IDENTITIES"
	CmdGetAuditLogs   = "GET_AUDIT_LOGS"

	// cmdListEmployees is the name older admin tools send.
	cmdListEmployees = "LIST_EMPLOYEES"
)

// Command is one decoded variant.  The set is closed: only the types in this
// file implement it.
type Command interface {
	commandName() string
}

type BeginUpsert struct {
	IdentityID  string `json:"identity_id" validate:"required,max=64"`
	DisplayName string `json:"display_name" validate:"max=128"`
	AccessStart string `json:"access_start" validate:"required"`
	AccessEnd   string `json:"access_end" validate:"required"`
	NumPhotos   *int   `json:"num_photos" validate:"required"`

	start, end time.Time
}

type PhotoChunk struct {
	ChunkIndex  *int   `json:"chunk_index" validate:"required,gte=0"`
	TotalChunks *int   `json:"total_chunks" validate:"required,gte=1"`
	Data        string `json:"data" validate:"required"`
	IsLast      bool   `json:"is_last"`
	SHA256      string `json:"sha256" validate:"omitempty,hexadecimal,len=64"`

	payload []byte
}

type EndUpsert struct{}

type UpdatePeriod struct {
	IdentityID  string `json:"identity_id" validate:"required,max=64"`
	AccessStart string `json:"access_start" validate:"required"`
	AccessEnd   string `json:"access_end" validate:"required"`

	start, end time.Time
}

type Deactivate struct {
	IdentityID string `json:"identity_id" validate:"required,max=64"`
}

type Delete struct {
	IdentityID string `json:"identity_id" validate:"required,max=64"`
}

type GetStatus struct{}

type ListIdentities struct{}

type GetAuditLogs struct {
	IdentityID string `json:"identity_id" validate:"max=64"`
	Limit      int    `json:"limit" validate:"omitempty,gte=1,lte=1000"`
	Since      string `json:"since"`

	since time.Time
}

func (*BeginUpsert) commandName() string    { return CmdBeginUpsert }
func (*PhotoChunk) commandName() string     { return CmdPhotoChunk }
func (*EndUpsert) commandName() string      { return CmdEndUpsert }
func (*UpdatePeriod) commandName() string   { return CmdUpdatePeriod }
func (*Deactivate) commandName() string     { return CmdDeactivate }
func (*Delete) commandName() string         { return CmdDelete }
func (*GetStatus) commandName() string      { return CmdGetStatus }
func (*ListIdentities) commandName() string { return CmdListIdentities }
func (*GetAuditLogs) commandName() string   { return CmdGetAuditLogs }

func (c *BeginUpsert) Window() (time.Time, time.Time)  { return c.start, c.end }
func (c *UpdatePeriod) Window() (time.Time, time.Time) { return c.start, c.end }
func (c *PhotoChunk) Payload() []byte                  { return c.payload }
func (c *GetAuditLogs) SinceTime() time.Time           { return c.since }

func (c *BeginUpsert) parse() (err error) {
	c.start, c.end, err = parseWindow(c.AccessStart, c.AccessEnd)
	return err
}

func (c *UpdatePeriod) parse() (err error) {
	c.start, c.end, err = parseWindow(c.AccessStart, c.AccessEnd)
	return err
}

func (c *PhotoChunk) parse() error {
	b, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return fmt.Errorf("data: invalid base64: %v", err)
	}
	c.payload = b
	return nil
}

func (c *GetAuditLogs) parse() error {
	if strings.TrimSpace(c.Since) == "" {
		return nil
	}
	t, err := ParseTime(c.Since)
	if err != nil {
		return fmt.Errorf("since: %v", err)
	}
	c.since = t
	return nil
}

// Privileged reports whether a command must be authenticated.
func Privileged(c Command) bool {
	switch c.(type) {
	case *BeginUpsert, *UpdatePeriod, *Deactivate, *Delete:
		return true
	}
	return false
}

// Envelope is a decoded frame.  Fields keeps the object exactly as received
// (numbers as json.Number) because the signature covers it.
type Envelope struct {
	Name    string
	Fields  map[string]any
	Command Command
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses one JSON command object.  Nothing is changed on failure.
func Decode(frame []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	name, _ := fields["command"].(string)
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return Envelope{}, fmt.Errorf("%w: missing command", ErrMalformed)
	}

	cmd := newCommand(name)
	if cmd == nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	raw, err := json.Marshal(withAliases(fields))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(raw, cmd); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	if err := validate.Struct(cmd); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrInvalidField, describe(err))
	}
	if p, ok := cmd.(interface{ parse() error }); ok {
		if err := p.parse(); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidField, err)
		}
	}

	return Envelope{Name: cmd.commandName(), Fields: fields, Command: cmd}, nil
}

func newCommand(name string) Command {
	switch name {
	case CmdBeginUpsert:
		return &BeginUpsert{}
	case CmdPhotoChunk:
		return &PhotoChunk{}
	case CmdEndUpsert:
		return &EndUpsert{}
	case CmdUpdatePeriod:
		return &UpdatePeriod{}
	case CmdDeactivate:
		return &Deactivate{}
	case CmdDelete:
		return &Delete{}
	case CmdGetStatus:
		return &GetStatus{}
	case CmdListIdentities, cmdListEmployees:
		return &ListIdentities{}
	case CmdGetAuditLogs:
		return &GetAuditLogs{}
	}
	return nil
}

// withAliases maps employee_id onto identity_id for typed decoding.  The
// original map is left untouched.
func withAliases(fields map[string]any) map[string]any {
	alias, ok := fields["employee_id"]
	if !ok {
		return fields
	}
	if _, has := fields["identity_id"]; has {
		return fields
	}
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["identity_id"] = alias
	return out
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fieldName(fe.StructField()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

var wireNames = map[string]string{
	"IdentityID":  "identity_id",
	"DisplayName": "display_name",
	"AccessStart": "access_start",
	"AccessEnd":   "access_end",
	"NumPhotos":   "num_photos",
	"ChunkIndex":  "chunk_index",
	"TotalChunks": "total_chunks",
	"Data":        "data",
	"SHA256":      "sha256",
	"Limit":       "limit",
}

func fieldName(f string) string {
	if n, ok := wireNames[f]; ok {
		return n
	}
	return f
}

// Accepted timestamp layouts.  Zone-less values are taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp into UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			// Both stores keep millisecond precision.
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseWindow(start, end string) (time.Time, time.Time, error) {
	s, err := ParseTime(start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("access_start: %v", err)
	}
	e, err := ParseTime(end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("access_end: %v", err)
	}
	return s, e, nil
}
