package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, s *server, body string) (*http.Response, string) {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body)))
	res := w.Result()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func TestFilmIsDeferred(t *testing.T) {
	res, body := post(t, newServer(0), `{"operationName":"Film","variables":{"id":"2"}}`)
	assert.Equal(t, `multipart/mixed; boundary="-"`, res.Header.Get("Content-Type"))
	assert.Contains(t, body, `{"data":{"film":{"id":"2"}},"hasNext":true`)
	assert.Contains(t, body, `"data":{"title":"The Empire Strikes Back"}`)
	assert.Contains(t, body, "\r\n---\r\nContent-Type: application/json")
	assert.Contains(t, body, "\r\n-----\r\n")
}

func TestUnknownFilm(t *testing.T) {
	res, body := post(t, newServer(0), `{"variables":{"id":"99"}}`)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.Equal(t, `{"data":{"film":null}}`, body)
}

func TestInvalidBody(t *testing.T) {
	res, _ := post(t, newServer(0), `{`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
