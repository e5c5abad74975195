// Copyright 2025 The morpheus-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/morpheus-go/pkg/ack"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/monitor"
	"github.com/turtacn/morpheus-go/pkg/registry"
	"github.com/turtacn/morpheus-go/pkg/router"
)

type nopHandle struct{}

func (nopHandle) Deliver(context.Context, message.Message) error { return nil }

func setupAPI(t *testing.T) (*router.Router, http.Handler) {
	t.Helper()
	r := router.New(registry.New(), ack.NewTracker())
	return r, NewAPIServer(r, nil).Handler()
}

func connect(t *testing.T, r *router.Router, topicName string) message.ClientID {
	t.Helper()
	id := uuid.New()
	_, err := r.Connect(id, topicName, nopHandle{})
	require.NoError(t, err)
	return id
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

// data re-decodes the generic Data field into out.
func data(t *testing.T, resp APIResponse, out any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestAPIServer_Clients(t *testing.T) {
	r, h := setupAPI(t)
	a := connect(t, r, "resistance")
	connect(t, r, "machines")

	w, resp := do(t, h, http.MethodGet, "/api/v1/clients", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var all struct {
		Data  []registry.ClientRecord `json:"data"`
		Total int                     `json:"total"`
	}
	data(t, resp, &all)
	assert.Equal(t, 2, all.Total)

	_, resp = do(t, h, http.MethodGet, "/api/v1/clients?topic=resistance", "")
	data(t, resp, &all)
	require.Equal(t, 1, all.Total)
	assert.Equal(t, a, all.Data[0].ID)

	w, resp = do(t, h, http.MethodGet, "/api/v1/clients/"+a.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	var rec registry.ClientRecord
	data(t, resp, &rec)
	assert.Equal(t, "resistance", rec.Topic)

	w, _ = do(t, h, http.MethodGet, "/api/v1/clients/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = do(t, h, http.MethodGet, "/api/v1/clients/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp.Message, "Invalid client ID")

	w, _ = do(t, h, http.MethodDelete, "/api/v1/clients", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPIServer_Topics(t *testing.T) {
	r, h := setupAPI(t)
	connect(t, r, "resistance")
	connect(t, r, "resistance")

	_, resp := do(t, h, http.MethodGet, "/api/v1/topics", "")
	var topics struct {
		Data []struct {
			Name    string `json:"name"`
			Members int    `json:"members"`
		} `json:"data"`
		Total int `json:"total"`
	}
	data(t, resp, &topics)
	require.Equal(t, 1, topics.Total)
	assert.Equal(t, "resistance", topics.Data[0].Name)
	assert.Equal(t, 2, topics.Data[0].Members)
}

func TestAPIServer_EmptyListsAreArrays(t *testing.T) {
	_, h := setupAPI(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clients", nil))
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestAPIServer_SendAndTrack(t *testing.T) {
	r, h := setupAPI(t)
	a := connect(t, r, "resistance")

	w, resp := do(t, h, http.MethodPost, "/api/v1/topics/resistance/messages", `{"payload":"follow"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var rc router.Receipt
	data(t, resp, &rc)
	assert.Equal(t, message.KindTopic, rc.Kind)
	assert.Equal(t, []message.ClientID{a}, rc.Recipients)
	assert.Equal(t, ack.StatePending, rc.State)

	_, resp = do(t, h, http.MethodGet, "/api/v1/messages", "")
	var pending struct {
		Data  []ack.Entry `json:"data"`
		Total int         `json:"total"`
	}
	data(t, resp, &pending)
	require.Equal(t, 1, pending.Total)
	assert.Equal(t, rc.MessageID, pending.Data[0].MessageID)

	_, err := r.Endpoint(a).Acknowledge(context.Background(), rc.MessageID)
	require.NoError(t, err)

	w, resp = do(t, h, http.MethodGet, "/api/v1/messages/"+rc.MessageID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var entry ack.Entry
	data(t, resp, &entry)
	assert.Equal(t, ack.StateResolved, entry.State)
	assert.Equal(t, []message.ClientID{a}, entry.Acknowledged)

	_, resp = do(t, h, http.MethodGet, "/api/v1/messages?state=pending", "")
	data(t, resp, &pending)
	assert.Zero(t, pending.Total)

	_, resp = do(t, h, http.MethodGet, "/api/v1/messages?state=all", "")
	data(t, resp, &pending)
	assert.Equal(t, 1, pending.Total)

	w, _ = do(t, h, http.MethodGet, "/api/v1/messages?state=lost", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIServer_BroadcastAndPrivate(t *testing.T) {
	r, h := setupAPI(t)
	a := connect(t, r, "resistance")
	connect(t, r, "machines")

	w, resp := do(t, h, http.MethodPost, "/api/v1/broadcast", `{"payload":"wake up"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var rc router.Receipt
	data(t, resp, &rc)
	assert.Equal(t, message.KindBroadcast, rc.Kind)
	assert.Len(t, rc.Recipients, 2)

	w, resp = do(t, h, http.MethodPost, "/api/v1/clients/"+a.String()+"/messages", `{"payload":"knock knock"}`)
	require.Equal(t, http.StatusOK, w.Code)
	data(t, resp, &rc)
	assert.Equal(t, message.KindPrivate, rc.Kind)
	assert.Equal(t, []message.ClientID{a}, rc.Recipients)
}

func TestAPIServer_SendErrors(t *testing.T) {
	r, h := setupAPI(t)
	connect(t, r, "resistance")

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		want   string
	}{
		{"unknown recipient", http.MethodPost, "/api/v1/clients/" + uuid.NewString() + "/messages", `{"payload":"x"}`, http.StatusNotFound, router.CodeUnknownRecipient},
		{"empty payload", http.MethodPost, "/api/v1/broadcast", `{"payload":""}`, http.StatusBadRequest, router.CodeEmptyPayload},
		{"bad json", http.MethodPost, "/api/v1/broadcast", `{"payload":`, http.StatusBadRequest, "Invalid request body"},
		{"unknown field", http.MethodPost, "/api/v1/broadcast", `{"text":"x"}`, http.StatusBadRequest, "Invalid request body"},
		{"get broadcast", http.MethodGet, "/api/v1/broadcast", "", http.StatusMethodNotAllowed, "Method not allowed"},
		{"topic without messages", http.MethodPost, "/api/v1/topics/resistance", `{"payload":"x"}`, http.StatusNotFound, "Not found"},
		{"unknown message", http.MethodGet, "/api/v1/messages/" + uuid.NewString(), "", http.StatusNotFound, router.CodeUnknownMessage},
		{"bad message id", http.MethodGet, "/api/v1/messages/42", "", http.StatusBadRequest, "Invalid message ID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, resp := do(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.status, resp.Code)
			assert.Contains(t, resp.Message, tc.want)
		})
	}
}

func TestAPIServer_ShutdownAndHealth(t *testing.T) {
	r, h := setupAPI(t)
	connect(t, r, "resistance")

	w, resp := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
		Checks  map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	data(t, resp, &health)
	assert.Equal(t, monitor.StatusHealthy, health.Status)
	assert.Equal(t, 1, health.Clients)
	assert.Equal(t, "passed", health.Checks["router"].Status)

	w, _ = do(t, h, http.MethodPost, "/api/v1/shutdown", "")
	assert.Equal(t, http.StatusOK, w.Code)
	select {
	case <-r.Done():
	default:
		t.Fatal("router not shut down")
	}

	w, resp = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, monitor.StatusUnhealthy, resp.Message)
	data(t, resp, &health)
	assert.Equal(t, "failed", health.Checks["router"].Status)

	w, resp = do(t, h, http.MethodPost, "/api/v1/broadcast", `{"payload":"too late"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, resp.Message, router.CodeShutdown)
}

func TestAPIServer_CustomHealthCheck(t *testing.T) {
	r := router.New(registry.New(), ack.NewTracker())
	checker := monitor.NewHealthChecker()
	checker.RegisterCheck("registry", r.Registry().Verify, true)
	h := NewAPIServer(r, checker).Handler()

	w, _ := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"goroutines", "registry", "router"}, checker.Checks())
}

func TestServeListener(t *testing.T) {
	r := router.New(registry.New(), ack.NewTracker())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, ln, r, nil) }()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("admin server did not stop")
	}
}
