package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/mirrorlabs/scanforge/internal/transport/handler"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/artifacts", h.UploadScan)
		r.Get("/artifacts/{artifactID}", h.GetArtifact)
		r.Post("/artifacts/{artifactID}/transcode", h.Transcode)
		r.Post("/artifacts/{artifactID}/retry", h.RetryTranscoding)
		r.Get("/artifacts/{artifactID}/events", h.StreamEvents)
		r.Get("/queue/stats", h.QueueStats)
	})

	return r
}
