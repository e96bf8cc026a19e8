package api

import (
	"io/fs"
	"net/http"

	"chemdrive/internal/handlers"
	"chemdrive/internal/middleware"
	"chemdrive/internal/service"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Router struct {
	*mux.Router
}

func NewRouter(drive *service.Drive, gatherer prometheus.Gatherer, templatesFS, staticFS fs.FS) (*Router, error) {
	r := mux.NewRouter()

	tmplHandler, err := handlers.NewTemplateHandler(templatesFS, drive)
	if err != nil {
		return nil, err
	}

	driveHandler := handlers.NewDriveHandler(drive)
	eventsHandler := handlers.NewEventsHandler(drive)

	// Health check endpoints (no middleware for faster response)
	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ready", handlers.ReadyCheck(drive)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Web UI
	r.HandleFunc("/", tmplHandler.ServeTemplate("dashboard")).Methods(http.MethodGet)

	staticHandler := http.FileServer(http.FS(staticFS))
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", staticHandler))

	// API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", driveHandler.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/document", driveHandler.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/document", driveHandler.PutDocument).Methods(http.MethodPut)
	api.HandleFunc("/document/load", driveHandler.LoadDocument).Methods(http.MethodPost)
	api.HandleFunc("/document/save", driveHandler.SaveDocument).Methods(http.MethodPost)
	api.HandleFunc("/run", driveHandler.Run).Methods(http.MethodPost)
	api.HandleFunc("/stop", driveHandler.Stop).Methods(http.MethodPost)
	api.HandleFunc("/devices", driveHandler.GetDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}/run", driveHandler.RunDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{name}/verify", driveHandler.VerifyDevice).Methods(http.MethodPost)
	api.HandleFunc("/test", driveHandler.ToggleTest).Methods(http.MethodPost)
	api.HandleFunc("/logs", driveHandler.GetLogs).Methods(http.MethodGet)
	api.HandleFunc("/recent", driveHandler.GetRecent).Methods(http.MethodGet)
	api.HandleFunc("/recent", driveHandler.ForgetRecent).Methods(http.MethodDelete)
	api.HandleFunc("/events", eventsHandler.Stream).Methods(http.MethodGet)

	// Apply middleware
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	return &Router{Router: r}, nil
}
