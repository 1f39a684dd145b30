package handlers

import (
	"fmt"
	"net/http"
	"time"

	"drocsid-backend/internal/hub"
	"drocsid-backend/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var sugar *zap.SugaredLogger
var relay *hub.Hub
var validate *validator.Validate

func Setup(isHttps bool, cfg *models.ConfigFile, _sugar *zap.SugaredLogger, _relay *hub.Hub) error {
	sugar = _sugar
	relay = _relay
	validate = validator.New()

	r := chi.NewRouter()
	if cfg.PrintHttpRequests {
		r.Use(middleware.Logger)
	}
	if cfg.Cors {
		r.Use(AllowCors)
	}

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(api chi.Router) {
		api.Get("/test", Test)

		api.Get("/servers", GetServers)
		api.Post("/servers", CreateServer)
		api.Get("/messages/{channelId}", GetMessages)
	})

	var websocketPath string
	if cfg.BehindNginx {
		websocketPath = "/ws/"
	} else {
		websocketPath = "/ws"
	}

	r.Get(websocketPath, relay.HandleClient)

	address := fmt.Sprintf("%s:%s", cfg.Address, cfg.Port)

	if isHttps {
		return http.ListenAndServeTLS(address, cfg.TlsCert, cfg.TlsKey, r)
	}
	return http.ListenAndServe(address, r)
}

func AllowCors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func Test(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
