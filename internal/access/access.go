// Package access issues the signed credentials clients use to join
// topics. There is no server side token state: a credential is valid iff
// its signature checks out and it has not expired, so nothing issued here
// can be revoked early.
package access

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/airview/hub/internal/token"
)

// Config specifies parameters for the token service.
type Config struct {

	// Secret signs issued credentials
	Secret string

	// TTL is the credential lifetime
	TTL time.Duration
}

// TokenRequest is the body of POST /token. ID is optional; omitted means
// the service generates a random opaque identity.
type TokenRequest struct {
	Topic string `json:"topic"`
	ID    string `json:"id,omitempty"`
}

// TokenResponse returns the identity, topic and signed credential.
type TokenResponse struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Token string `json:"token"`
}

// TokenHandler serves POST /token.
func TokenHandler(config Config) http.HandlerFunc {

	return func(w http.ResponseWriter, r *http.Request) {

		var req TokenRequest

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		if req.Topic == "" {
			http.Error(w, "topic is required", http.StatusBadRequest)
			return
		}

		id := req.ID
		if id == "" {
			id = uuid.New().String()
		}

		signed, err := token.Sign(token.New(id, req.Topic, config.TTL), config.Secret)
		if err != nil {
			log.WithField("error", err.Error()).Error("token signing failed")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		log.WithFields(log.Fields{"id": id, "topic": req.Topic}).Debug("token issued")

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(TokenResponse{ID: id, Topic: req.Topic, Token: signed}); err != nil {
			log.WithField("error", err.Error()).Error("token response write failed")
		}
	}
}
