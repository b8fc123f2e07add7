package access

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airview/hub/internal/token"
)

func TestTokenHandler(t *testing.T) {

	secret := "somesecret"
	handler := TokenHandler(Config{Secret: secret, TTL: time.Minute})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/token", strings.NewReader(`{"topic":"flights","id":"c1"}`))

	handler(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, "flights", resp.Topic)

	claims, err := token.Verify(resp.Token, secret)
	require.NoError(t, err)
	assert.Equal(t, "c1", claims.ID)
	assert.Equal(t, "flights", claims.Topic)
	assert.WithinDuration(t, time.Now().Add(time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestTokenHandlerGeneratesID(t *testing.T) {

	handler := TokenHandler(Config{Secret: "somesecret", TTL: time.Minute})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/token", strings.NewReader(`{"topic":"flights"}`))

	handler(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.NotEmpty(t, resp.ID)

	claims, err := token.Verify(resp.Token, "somesecret")
	require.NoError(t, err)
	assert.Equal(t, resp.ID, claims.ID)
}

func TestTokenHandlerBadRequest(t *testing.T) {

	handler := TokenHandler(Config{Secret: "somesecret", TTL: time.Minute})

	for _, body := range []string{
		`not json`,
		`{"id":"c1"}`,
		`{}`,
	} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/token", strings.NewReader(body))
		handler(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}
