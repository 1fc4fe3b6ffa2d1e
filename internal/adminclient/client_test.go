package adminclient_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/gate/internal/adminclient"
	"github.com/BrandonDHaskell/Portunus/gate/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/auth"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/enroll"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/face"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/protocol"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/memory"
)

const secret = "client_test_secret"

func startGate(t *testing.T) (string, *memory.IdentityStore) {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	ids := memory.NewIdentityStore()
	audit := memory.NewAuditStore()
	sessions := enroll.NewManager(ids, audit, face.NewReferencePipeline(8, 8), enroll.DefaultLimits(), logger)
	authn := auth.NewAuthenticator(secret, auth.DefaultWindow, auth.NewMemoryNonceStore(auth.DefaultWindow, 0))
	status := service.NewStatusService(ids, audit, sessions, nil, nil)
	d := protocol.NewDispatcher(authn, sessions, ids, audit, status, true, logger)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:     logger,
		Addr:       ":0",
		Dispatcher: d,
		Status:     status,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/admin/ws", ids
}

func dial(t *testing.T, url, key string) *adminclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := adminclient.Dial(ctx, url, key, adminclient.Options{ChunkSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func photo(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*seed + y*7) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestClient_EnrollStoresEmbeddings(t *testing.T) {
	url, ids := startGate(t)
	c := dial(t, url, secret)
	ctx := context.Background()

	resp, err := c.Enroll(ctx, adminclient.Enrollment{
		IdentityID:  "EMP7",
		DisplayName: "Seven",
		AccessStart: "2025-01-01T00:00:00Z",
		AccessEnd:   "2099-01-01T00:00:00Z",
		Photos:      [][]byte{photo(t, 3), photo(t, 5)},
	})
	require.NoError(t, err)
	assert.Equal(t, "Registered EMP7 with 2 embeddings", resp.Message)

	rec, found, err := ids.GetIdentity(ctx, "EMP7")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Seven", rec.DisplayName)

	embs, err := ids.Embeddings(ctx, "EMP7")
	require.NoError(t, err)
	assert.Len(t, embs, 2)
}

func TestClient_WrongSecretRejected(t *testing.T) {
	url, _ := startGate(t)
	c := dial(t, url, "not-the-secret")

	_, err := c.Deactivate(context.Background(), "EMP1")

	var re *adminclient.RemoteError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, protocol.CodeAuthFailed, re.Code)
}

func TestClient_StatusAndNotFound(t *testing.T) {
	url, _ := startGate(t)
	c := dial(t, url, secret)
	ctx := context.Background()

	resp, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeStatus, resp.Type)

	_, err = c.Delete(ctx, "nobody")
	var re *adminclient.RemoteError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, protocol.CodeNotFound, re.Code)

	// The connection stays usable after an ERROR.
	resp, err = c.ListIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeIdentities, resp.Type)
}
