package handlers

import (
	"encoding/json"
	"net/http"

	"drocsid-backend/internal/models"

	"github.com/go-chi/chi/v5"
)

// The REST surface is the thin collaborator outside the realtime core: it
// serves the initial data a client loads before its envelope stream starts.

func GetServers(w http.ResponseWriter, r *http.Request) {
	err := json.NewEncoder(w).Encode(relay.Servers())
	if err != nil {
		sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func CreateServer(w http.ResponseWriter, r *http.Request) {
	type CreateServerRequest struct {
		ID       string           `json:"id" validate:"required"`
		Name     string           `json:"name" validate:"required,max=64"`
		Icon     string           `json:"icon"`
		OwnerID  string           `json:"ownerId" validate:"required"`
		Members  []string         `json:"members"`
		Channels []models.Channel `json:"channels"`
	}

	var request CreateServerRequest
	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil {
		sugar.Debug(err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	err = validate.Struct(request)
	if err != nil {
		sugar.Debug(err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	server := models.Server{
		ID:       request.ID,
		Name:     request.Name,
		Icon:     request.Icon,
		Channels: request.Channels,
		Members:  request.Members,
		OwnerID:  request.OwnerID,
	}

	relay.RegisterServer(server)

	err = json.NewEncoder(w).Encode(server)
	if err != nil {
		sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func GetMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	if channelID == "" {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	messages, err := relay.Messages(channelID)
	if err != nil {
		sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	err = json.NewEncoder(w).Encode(messages)
	if err != nil {
		sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
	}
}
