package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gxp-workflow/backend/internal/workflow"
)

func TestHTTPMessagingClientNotify(t *testing.T) {
	var got workflow.Notification
	var key string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewHTTPMessagingClient(server.URL, time.Second)
	n := workflow.Notification{ID: "n-1", EntityID: "DOC-1", Channel: "qa-room", Message: "ready for review"}
	require.NoError(t, client.Notify(context.Background(), n))

	assert.Equal(t, "n-1", key)
	assert.Equal(t, n, got)
}

func TestHTTPMessagingClientStatus(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantErr   bool
		temporary bool
	}{
		{"duplicate delivery is success", http.StatusConflict, false, false},
		{"server error", http.StatusBadGateway, true, true},
		{"throttled", http.StatusTooManyRequests, true, true},
		{"rejected", http.StatusBadRequest, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			err := NewHTTPMessagingClient(server.URL, time.Second).Notify(context.Background(), workflow.Notification{ID: "n-1"})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.temporary, isTemporary(err))
		})
	}
}

func TestHTTPDeviationClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deviations/summary", r.URL.Path)
		entity := r.URL.Query().Get("entity_id")
		switch entity {
		case "DOC 1":
			_ = json.NewEncoder(w).Encode(deviationSummary{EntityID: entity, Open: 2})
		case "DOC-2":
			_ = json.NewEncoder(w).Encode(deviationSummary{EntityID: entity})
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()
	client := NewHTTPDeviationClient(server.URL, time.Second)
	ctx := context.Background()

	open, err := client.HasOpenDeviations(ctx, "DOC 1")
	require.NoError(t, err)
	assert.True(t, open)

	open, err = client.HasOpenDeviations(ctx, "DOC-2")
	require.NoError(t, err)
	assert.False(t, open)

	_, err = client.HasOpenDeviations(ctx, "DOC-3")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}
