package access

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryGranterIdempotent(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGranter()

	require.NoError(t, g.GrantAccess(ctx, "u1", "content:vid-1"))
	require.NoError(t, g.GrantAccess(ctx, "u1", "content:vid-1"))
	require.Len(t, g.Grants(), 1)
	require.True(t, g.HasAccess("u1", "content:vid-1"))
	require.False(t, g.HasAccess("u2", "content:vid-1"))
}

func TestHTTPGranter(t *testing.T) {
	var (
		got  grantRequest
		path string
		key  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	g := NewHTTPGranter(srv.URL+"/", time.Second)
	require.NoError(t, g.GrantAccess(context.Background(), "u1", "slot:call-9"))
	require.Equal(t, "/grants", path)
	require.Equal(t, "u1:slot:call-9", key)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, "slot:call-9", got.ItemRef)
}

func TestHTTPGranterStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req grantRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.UserID {
		case "dup":
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	g := NewHTTPGranter(srv.URL, time.Second)
	require.NoError(t, g.GrantAccess(context.Background(), "dup", "content:a"))
	require.Error(t, g.GrantAccess(context.Background(), "boom", "content:a"))
}
