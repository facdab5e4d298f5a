package evolution

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

	"github.com/acme/mass-dispatch/internal/config"
	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/gateway"
)

type recorded struct {
	method string
	path   string
	apiKey string
	body   map[string]any
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.apiKey = r.Header.Get("apikey")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &rec.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestClient(baseURL string) *Client {
	return NewClient(config.GatewayConfig{BaseURL: baseURL, APIKey: "secret", RequestTimeout: 5 * time.Second})
}

func TestSendText(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusCreated, `{"key":{"remoteJid":"5511987654321@s.whatsapp.net","fromMe":true,"id":"ABC"},"status":"PENDING"}`)
	client := newTestClient(srv.URL)

	res, err := client.Send(context.Background(), gateway.OutboundMessage{
		Instance: "sales",
		Number:   "5511987654321",
		Kind:     domain.TemplateText,
		Content:  domain.MessageContent{Text: "hello"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ABC", res.MessageID)
	assert.Equal(t, "5511987654321@s.whatsapp.net", res.RemoteJID)
	assert.False(t, res.Queued)
	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/message/sendText/sales", rec.path)
	assert.Equal(t, "secret", rec.apiKey)
	assert.Equal(t, "hello", rec.body["text"])
}

func TestSendMediaUsesMediaEndpoint(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusCreated, `{"key":{"remoteJid":"r","id":"M1"},"status":"SCHEDULED"}`)
	client := newTestClient(srv.URL)

	res, err := client.Send(context.Background(), gateway.OutboundMessage{
		Instance: "sales",
		Number:   "5511987654321",
		Kind:     domain.TemplateFileCaption,
		Content:  domain.MessageContent{MediaURL: "https://cdn/x.pdf", Caption: "menu", FileName: "x.pdf"},
	})
	require.NoError(t, err)

	assert.True(t, res.Queued)
	assert.Equal(t, "/message/sendMedia/sales", rec.path)
	assert.Equal(t, "document", rec.body["mediatype"])
	assert.Equal(t, "menu", rec.body["caption"])
}

func TestSendErrorStatus(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadRequest, `{"error":"instance not connected"}`)
	client := newTestClient(srv.URL)

	_, err := client.Send(context.Background(), gateway.OutboundMessage{
		Instance: "sales",
		Number:   "1",
		Kind:     domain.TemplateText,
		Content:  domain.MessageContent{Text: "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance not connected")
}

func TestCheckExistence(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `[{"exists":true,"jid":"a@s","number":"111","name":"Ana"},{"exists":false,"number":"222"}]`)
	client := newTestClient(srv.URL)

	checks, err := client.CheckExistence(context.Background(), "sales", []string{"111", "222"})
	require.NoError(t, err)

	assert.Equal(t, "/chat/whatsappNumbers/sales", rec.path)
	assert.Equal(t, []gateway.NumberCheck{
		{Number: "111", Valid: true, ResolvedName: "Ana"},
		{Number: "222", Valid: false},
	}, checks)
}

func TestDeleteMessage(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `{}`)
	client := newTestClient(srv.URL)

	require.NoError(t, client.DeleteMessage(context.Background(), "sales", "ABC", "r@s"))
	assert.Equal(t, http.MethodDelete, rec.method)
	assert.Equal(t, "/chat/deleteMessageForEveryone/sales", rec.path)
}
