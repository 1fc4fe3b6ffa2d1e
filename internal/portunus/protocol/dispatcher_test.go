package protocol_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/gate/internal/lock"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/auth"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/enroll"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/face"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/protocol"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

const secret = "test_secret_key_12345"

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type pipelineFunc func(photo []byte) (face.Embedding, error)

func (f pipelineFunc) Process(_ context.Context, photo []byte) (face.Embedding, error) {
	return f(photo)
}

func firstBytes(photo []byte) (face.Embedding, error) {
	if bytes.HasPrefix(photo, []byte("noface")) {
		return nil, face.ErrNoFaceDetected
	}
	return face.Embedding{float32(photo[0]), float32(photo[1]), 1}, nil
}

type fixture struct {
	d      *protocol.Dispatcher
	ids    *memory.IdentityStore
	audit  *memory.AuditStore
	access *service.AccessService
	relay  *lock.LogRelay
	tokens int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	f := &fixture{
		ids:   memory.NewIdentityStore(),
		audit: memory.NewAuditStore(),
		relay: lock.NewLogRelay(logger),
	}
	sessions := enroll.NewManager(f.ids, f.audit, pipelineFunc(firstBytes), enroll.DefaultLimits(), logger)
	sessions.SetClock(func() time.Time { return t0 })

	authn := auth.NewAuthenticator(secret, auth.DefaultWindow, auth.NewMemoryNonceStore(auth.DefaultWindow, 0))
	f.d = protocol.NewDispatcher(authn, sessions, f.ids, f.audit,
		service.NewStatusService(f.ids, f.audit, sessions, nil, nil), true, logger)
	f.d.SetClock(func() time.Time { return t0 })

	f.access = service.NewAccessService(f.ids, f.audit, f.relay, service.DefaultAccessPolicy(), logger)
	f.access.SetClock(func() time.Time { return t0 })
	return f
}

func encode(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

// signed adds a fresh nonce and a valid signature to fields.
func (f *fixture) signed(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	f.tokens++
	fields["nonce"] = auth.NewNonce(t0, fmt.Sprintf("tok%d", f.tokens))
	sig, err := auth.Sign(secret, fields)
	require.NoError(t, err)
	fields["hmac"] = sig
	return encode(t, fields)
}

func (f *fixture) send(t *testing.T, frame []byte) protocol.Response {
	t.Helper()
	return f.d.Handle(context.Background(), frame)
}

func beginFields(id string, photos int) map[string]any {
	return map[string]any{
		"command":      "BEGIN_UPSERT",
		"identity_id":  id,
		"display_name": "Person " + id,
		"access_start": "2025-01-01T00:00:00Z",
		"access_end":   "2026-01-01T00:00:00Z",
		"num_photos":   photos,
	}
}

func chunkFrames(t *testing.T, photo []byte, size int) [][]byte {
	t.Helper()
	sum := sha256.Sum256(photo)
	total := (len(photo) + size - 1) / size
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(photo))
		fields := map[string]any{
			"command":      "PHOTO_CHUNK",
			"chunk_index":  i,
			"total_chunks": total,
			"data":         base64.StdEncoding.EncodeToString(photo[i*size : end]),
			"is_last":      i == total-1,
		}
		if i == total-1 {
			fields["sha256"] = hex.EncodeToString(sum[:])
		}
		frames = append(frames, encode(t, fields))
	}
	return frames
}

func requireOK(t *testing.T, resp protocol.Response) {
	t.Helper()
	require.Equal(t, protocol.TypeOK, resp.Type, "code=%s message=%s", resp.Code, resp.Message)
}

func requireError(t *testing.T, resp protocol.Response, code string) {
	t.Helper()
	require.Equal(t, protocol.TypeError, resp.Type)
	require.Equal(t, code, resp.Code, resp.Message)
}

func events(f *fixture, eventType string) []store.AuditRecord {
	var out []store.AuditRecord
	for _, ev := range f.audit.Events() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestDispatcher_EnrollThenGrant(t *testing.T) {
	f := newFixture(t)

	resp := f.send(t, f.signed(t, beginFields("EMP1", 1)))
	requireOK(t, resp)
	assert.Equal(t, "Session started for EMP1", resp.Message)
	assert.NotEmpty(t, resp.SessionID)

	photo := bytes.Repeat([]byte{7, 9, 11}, 400)
	frames := chunkFrames(t, photo, 400)
	require.Len(t, frames, 3)

	for i, fr := range frames[:2] {
		resp = f.send(t, fr)
		require.Equal(t, protocol.TypeProgress, resp.Type, resp.Message)
		assert.Equal(t, i+1, resp.NextChunk)
	}
	resp = f.send(t, frames[2])
	requireOK(t, resp)
	assert.Equal(t, "Photo 1 received", resp.Message)
	assert.Equal(t, 1, resp.PhotosReceived)
	assert.Equal(t, 1, resp.PhotosTotal)

	resp = f.send(t, encode(t, map[string]any{"command": "END_UPSERT"}))
	requireOK(t, resp)
	assert.Equal(t, "Registered EMP1 with 1 embeddings", resp.Message)

	dec, err := f.access.Decide(context.Background(), types.DecisionRequest{IdentityID: "EMP1", Score: 0.8})
	require.NoError(t, err)
	assert.True(t, dec.Granted)
	assert.Equal(t, service.ReasonGranted, dec.Reason)
	assert.Equal(t, 1, f.relay.Unlocks())

	reg := events(f, store.EventRegistration)
	require.Len(t, reg, 1)
	assert.Equal(t, store.ResultSuccess, reg[0].Result)
}

func TestDispatcher_AuthFailuresAreGenericAndAudited(t *testing.T) {
	f := newFixture(t)

	tampered := beginFields("EMP1", 1)
	frame := f.signed(t, tampered)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(frame, &fields))
	fields["display_name"] = "Mallory"
	resp := f.send(t, encode(t, fields))
	requireError(t, resp, protocol.CodeAuthFailed)
	assert.Equal(t, "authentication failed", resp.Message)

	good := f.signed(t, beginFields("EMP2", 1))
	requireOK(t, f.send(t, good))
	f.send(t, encode(t, map[string]any{"command": "END_UPSERT"}))

	resp = f.send(t, good)
	requireError(t, resp, protocol.CodeAuthFailed)
	assert.Equal(t, "authentication failed", resp.Message)

	stale := beginFields("EMP3", 1)
	stale["nonce"] = auth.NewNonce(t0.Add(-10*time.Minute), "old")
	sig, err := auth.Sign(secret, stale)
	require.NoError(t, err)
	stale["hmac"] = sig
	requireError(t, f.send(t, encode(t, stale)), protocol.CodeAuthFailed)

	sec := events(f, store.EventSecurity)
	require.Len(t, sec, 3)
	assert.Equal(t, "bad_signature", sec[0].Reason)
	assert.Equal(t, "replayed_nonce", sec[1].Reason)
	assert.Equal(t, "stale_nonce", sec[2].Reason)
	for _, ev := range sec {
		assert.Equal(t, store.ResultRejected, ev.Result)
		assert.Equal(t, "BEGIN_UPSERT", ev.Metadata["command"])
	}
	require.NotNil(t, sec[0].SubjectID)
	assert.Equal(t, "EMP1", *sec[0].SubjectID)
}

func TestDispatcher_AdminModeGate(t *testing.T) {
	f := newFixture(t)
	f.d.SetAdminMode(false)

	requireError(t, f.send(t, f.signed(t, beginFields("EMP1", 1))), protocol.CodeAdminModeDisabled)

	status := f.send(t, encode(t, map[string]any{"command": "GET_STATUS"}))
	assert.Equal(t, protocol.TypeStatus, status.Type, "read-only commands stay available")
}

func TestDispatcher_LegacyDeactivateWithEmployeeID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ids.UpsertEnrollment(ctx, store.IdentityRecord{
		ID: "EMP001", AccessStart: t0.Add(-time.Hour), AccessEnd: t0.Add(time.Hour),
	}, nil))

	frame := []byte(`{"command": "DEACTIVATE", "employee_id": "EMP001", "nonce": "1748779200_abc",` +
		` "hmac": "968c12c2173ab044211461f720c1a3311656d0f736d713ab397da3ef733aa2ad"}`)
	resp := f.send(t, frame)
	requireOK(t, resp)
	assert.Equal(t, "Identity EMP001 deactivated", resp.Message)

	rec, found, err := f.ids.GetIdentity(ctx, "EMP001")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.Active)

	ev := events(f, store.EventDeactivate)
	require.Len(t, ev, 1)
	assert.Equal(t, store.ResultSuccess, ev[0].Result)
}

func TestDispatcher_UpdatePeriodAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ids.UpsertEnrollment(ctx, store.IdentityRecord{
		ID: "EMP1", AccessStart: t0.Add(-time.Hour), AccessEnd: t0.Add(time.Hour),
	}, []store.EmbeddingRecord{{IdentityID: "EMP1", Vector: []float32{1}}}))

	update := func(id, start, end string) protocol.Response {
		return f.send(t, f.signed(t, map[string]any{
			"command": "UPDATE_PERIOD", "identity_id": id, "access_start": start, "access_end": end,
		}))
	}

	resp := update("EMP1", "2025-07-01T00:00:00Z", "2025-08-01T00:00:00")
	requireOK(t, resp)
	assert.Equal(t, "Period updated for EMP1", resp.Message)
	rec, _, err := f.ids.GetIdentity(ctx, "EMP1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), rec.AccessEnd)

	requireError(t, update("EMP1", "2025-08-01", "2025-07-01"), "INVALID_WINDOW")
	requireError(t, update("NOPE", "2025-07-01", "2025-08-01"), protocol.CodeNotFound)

	del := func(id string) protocol.Response {
		return f.send(t, f.signed(t, map[string]any{"command": "DELETE", "identity_id": id}))
	}
	requireOK(t, del("EMP1"))
	requireError(t, del("EMP1"), protocol.CodeNotFound)

	embs, err := f.ids.Embeddings(ctx, "EMP1")
	require.NoError(t, err)
	assert.Empty(t, embs)

	upd := events(f, store.EventUpdatePeriod)
	require.Len(t, upd, 3)
	assert.Equal(t, store.ResultSuccess, upd[0].Result)
	assert.Equal(t, "invalid_window", upd[1].Reason)
	assert.Equal(t, "not_found", upd[2].Reason)
	assert.Len(t, events(f, store.EventDelete), 2)
}

func TestDispatcher_ProtocolErrorsChangeNothing(t *testing.T) {
	f := newFixture(t)

	cases := map[string]struct {
		frame string
		code  string
	}{
		"not json":       {`{"command": `, "MALFORMED"},
		"array":          {`[1,2]`, "MALFORMED"},
		"null":           {`null`, "MALFORMED"},
		"trailing":       {`{"command":"GET_STATUS"} {}`, "MALFORMED"},
		"no command":     {`{"identity_id":"A"}`, "MALFORMED"},
		"unknown":        {`{"command":"OPEN_SESAME"}`, "UNKNOWN_COMMAND"},
		"bad type":       {`{"command":"PHOTO_CHUNK","chunk_index":"0","total_chunks":1,"data":"AA=="}`, "INVALID_FIELD"},
		"missing field":  {`{"command":"PHOTO_CHUNK","total_chunks":1,"data":"AA=="}`, "INVALID_FIELD"},
		"bad base64":     {`{"command":"PHOTO_CHUNK","chunk_index":0,"total_chunks":1,"data":"***"}`, "INVALID_FIELD"},
		"bad hash":       {`{"command":"PHOTO_CHUNK","chunk_index":0,"total_chunks":1,"data":"AA==","sha256":"xyz"}`, "INVALID_FIELD"},
		"bad timestamp":  {`{"command":"BEGIN_UPSERT","identity_id":"A","access_start":"soon","access_end":"later","num_photos":1}`, "INVALID_FIELD"},
		"no num_photos":  {`{"command":"BEGIN_UPSERT","identity_id":"A","access_start":"2025-01-01","access_end":"2025-02-01"}`, "INVALID_FIELD"},
		"limit too high": {`{"command":"GET_AUDIT_LOGS","limit":5000}`, "INVALID_FIELD"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			requireError(t, f.send(t, []byte(tc.frame)), tc.code)
		})
	}

	assert.Empty(t, f.audit.Events())
	st := f.send(t, []byte(`{"command":"get_status"}`))
	require.Equal(t, protocol.TypeStatus, st.Type)
	assert.Equal(t, "idle", st.Data.(types.StatusReport).Session.State)
}

func TestDispatcher_SessionErrors(t *testing.T) {
	f := newFixture(t)

	frames := chunkFrames(t, []byte("abcdef"), 3)
	requireError(t, f.send(t, frames[0]), "NO_ACTIVE_SESSION")
	requireError(t, f.send(t, encode(t, map[string]any{"command": "END_UPSERT"})), "NO_ACTIVE_SESSION")

	requireOK(t, f.send(t, f.signed(t, beginFields("EMP1", 1))))
	requireError(t, f.send(t, f.signed(t, beginFields("EMP2", 1))), "SESSION_ALREADY_ACTIVE")
	requireError(t, f.send(t, frames[1]), "CHUNK_OUT_OF_ORDER")

	require.Equal(t, protocol.TypeProgress, f.send(t, frames[0]).Type)
	var last map[string]any
	require.NoError(t, json.Unmarshal(frames[1], &last))
	last["sha256"] = hex.EncodeToString(make([]byte, 32))
	requireError(t, f.send(t, encode(t, last)), "HASH_MISMATCH")

	for _, fr := range chunkFrames(t, []byte("noface-photo"), 6) {
		resp := f.send(t, fr)
		if resp.Type == protocol.TypeError {
			assert.Equal(t, "NO_FACE_DETECTED", resp.Code)
		}
	}
	requireError(t, f.send(t, encode(t, map[string]any{"command": "END_UPSERT"})), "NO_VALID_EMBEDDINGS")
	assert.Empty(t, events(f, store.EventRegistration))
}

func TestDispatcher_StoreFailureOnEnd(t *testing.T) {
	f := newFixture(t)

	requireOK(t, f.send(t, f.signed(t, beginFields("EMP1", 1))))
	for _, fr := range chunkFrames(t, []byte("photo-bytes"), 4) {
		f.send(t, fr)
	}
	f.ids.FailNextUpsert(errors.New("disk full"))
	requireError(t, f.send(t, encode(t, map[string]any{"command": "END_UPSERT"})), protocol.CodeStoreFailure)

	_, found, err := f.ids.GetIdentity(context.Background(), "EMP1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDispatcher_ReadOnlyQueries(t *testing.T) {
	f := newFixture(t)

	requireOK(t, f.send(t, f.signed(t, beginFields("EMP1", 1))))
	for _, fr := range chunkFrames(t, []byte("photo-bytes"), 4) {
		f.send(t, fr)
	}
	requireOK(t, f.send(t, encode(t, map[string]any{"command": "END_UPSERT"})))
	_, err := f.access.Decide(context.Background(), types.DecisionRequest{IdentityID: "EMP1", Score: 0.1})
	require.NoError(t, err)

	st := f.send(t, encode(t, map[string]any{"command": "GET_STATUS"}))
	require.Equal(t, protocol.TypeStatus, st.Type)
	rep := st.Data.(types.StatusReport)
	assert.EqualValues(t, 1, rep.ActiveIdentities)
	assert.EqualValues(t, 1, rep.TotalEmbeddings)

	for _, name := range []string{"LIST_IDENTITIES", "LIST_EMPLOYEES"} {
		resp := f.send(t, encode(t, map[string]any{"command": name}))
		require.Equal(t, protocol.TypeIdentities, resp.Type)
		list := resp.Data.([]protocol.IdentitySummary)
		require.Len(t, list, 1)
		assert.Equal(t, "EMP1", list[0].IdentityID)
		assert.Equal(t, "Person EMP1", list[0].DisplayName)
		assert.Equal(t, 1, list[0].Embeddings)
		assert.True(t, list[0].Active)
	}

	resp := f.send(t, encode(t, map[string]any{"command": "GET_AUDIT_LOGS", "employee_id": "EMP1", "limit": 1}))
	require.Equal(t, protocol.TypeAuditLogs, resp.Type)
	logs := resp.Data.([]store.AuditRecord)
	require.Len(t, logs, 1)
	assert.Equal(t, store.EventFaceRecognition, logs[0].EventType)

	resp = f.send(t, encode(t, map[string]any{"command": "GET_AUDIT_LOGS"}))
	assert.Len(t, resp.Data.([]store.AuditRecord), 2)
}
