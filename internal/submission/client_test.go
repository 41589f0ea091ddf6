package submission

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/eventqueue/internal/queue"
)

func TestResponsePredicates(t *testing.T) {
	cases := []struct {
		code                                       int
		success, unavailable, payment, auth, notFd bool
	}{
		{code: 200, success: true},
		{code: 202, success: true},
		{code: 400},
		{code: 401, auth: true},
		{code: 402, payment: true},
		{code: 403, auth: true},
		{code: 404, notFd: true},
		{code: 500},
		{code: 503, unavailable: true},
	}
	for _, c := range cases {
		r := Response{StatusCode: c.code}
		assert.Equal(t, c.success, r.Success(), c.code)
		assert.Equal(t, c.unavailable, r.ServiceUnavailable(), c.code)
		assert.Equal(t, c.payment, r.PaymentRequired(), c.code)
		assert.Equal(t, c.auth, r.UnableToAuthenticate(), c.code)
		assert.Equal(t, c.notFd, r.NotFound(), c.code)
	}
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{ServerURL: "ftp://example.com", APIKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{ServerURL: "https://example.com"})
	assert.Error(t, err)
	_, err = NewClient(Config{ServerURL: "https://example.com", APIKey: "k"})
	assert.NoError(t, err)
}

func TestSubmitPostsCompressedBatch(t *testing.T) {
	var got []queue.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, EventsPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		zr, err := gzip.NewReader(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		body, err := io.ReadAll(zr)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewClient(Config{ServerURL: srv.URL + "/", APIKey: "secret", Compress: true})
	require.NoError(t, err)

	events := []queue.Event{
		{Type: "log", Message: "first", Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Type: "log", Message: "second", Date: time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)},
	}
	resp, err := c.Submit(context.Background(), events)
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, events, got)
}

func TestSubmitReturnsStatusAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "plan limit reached", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c, err := NewClient(Config{ServerURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	resp, err := c.Submit(context.Background(), []queue.Event{{Type: "log"}})
	require.NoError(t, err)
	assert.True(t, resp.PaymentRequired())
	assert.Equal(t, "plan limit reached", resp.Message)
}

func TestSubmitTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{ServerURL: url, APIKey: "k", Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), []queue.Event{{Type: "log"}})
	assert.Error(t, err)
}
