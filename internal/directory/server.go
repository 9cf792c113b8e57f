package directory

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// NewServer wires the directory HTTP contract: POST /bundles, GET
// /bundles/{userId}, plus /health and /metrics, CORS and bearer-auth
// applied the way cmd/chatserver wires its own router.
func NewServer(addr string, store *PostgresStore, issuer *TokenIssuer) *http.Server {
	router := mux.NewRouter()

	router.HandleFunc("/health", HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	protected := router.NewRoute().Subrouter()
	protected.Use(RequireAuth(issuer))
	protected.HandleFunc("/bundles", UploadBundleHandler(store)).Methods("POST")
	protected.HandleFunc("/bundles/{userId}", GetBundlesHandler(store)).Methods("GET")
	protected.HandleFunc("/acks", AckReceiptHandler(store)).Methods("POST")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	return &http.Server{
		Addr:              addr,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
