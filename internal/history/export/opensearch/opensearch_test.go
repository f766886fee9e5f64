package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/history"
)

func TestSinkSend(t *testing.T) {
	var gotBody []byte
	var gotPath, gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sink := New(ts.URL+"/", "restarts")
	e := history.NewEvent("api", time.Now(), history.ReasonStalePID, history.OutcomeSuccess)
	e.NewPID = 42
	require.NoError(t, sink.Send(context.Background(), e))
	require.NoError(t, sink.Close())

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/restarts/_doc/"+e.ID, gotPath)
	var m map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &m))
	assert.Equal(t, "api", m["name"])
	assert.Equal(t, "success", m["outcome"])
	assert.EqualValues(t, 42, m["new_pid"])
}

func TestSinkSendErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index closed", http.StatusBadRequest)
	}))
	defer ts.Close()

	err := New(ts.URL, "restarts").Send(context.Background(), history.NewEvent("api", time.Now(), history.ReasonManual, history.OutcomeFailed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "index closed")
}
