package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil, "http://x", "t")
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewClient(shared.NewNopLogger(), "http://x", "")
	assert.ErrorIs(t, err, shared.ErrNoCredential)
}

func TestContacts(t *testing.T) {
	base := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/contacts", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"_id":"d1","name":"Dr. Mora","role":"doctor","online":true},
			{"id":"d2","name":"Dr. Ortiz","role":"doctor"}
		]`))
	})
	c, err := NewClient(shared.NewNopLogger(), base, "tok")
	require.NoError(t, err)

	contacts, err := c.Contacts(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "d1", contacts[0].ID)
	assert.True(t, contacts[0].Online)
	assert.Equal(t, shared.RoleDoctor, contacts[0].Role)
	assert.Equal(t, "d2", contacts[1].ID)
	assert.False(t, contacts[1].Online)
}

func TestContactsErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		err    error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"bad token"}`, err: shared.ErrDirectoryStatus},
		{name: "server error", status: http.StatusInternalServerError, body: ``, err: shared.ErrDirectoryStatus},
		{name: "not json", status: http.StatusOK, body: `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			c, err := NewClient(shared.NewNopLogger(), base, "tok")
			require.NoError(t, err)
			_, err = c.Contacts(context.Background())
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestContactsHonoursContext(t *testing.T) {
	release := make(chan struct{})
	base := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`[]`))
	})
	defer close(release)
	c, err := NewClient(shared.NewNopLogger(), base, "tok")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Contacts(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
