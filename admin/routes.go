package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/hive/cell"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", NewRouter(handlers)))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// NewRouter builds the admin router, rooted below /admin
func NewRouter(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/version", handlers.handleVersion)
	r.Get("/cell", handlers.handleLocalCell)
	r.Put("/rebalance/refresh", handlers.handleRefresh)

	r.Route("/cells", func(r chi.Router) {
		r.Get("/", handlers.handleListCells)
		r.Post("/", handlers.handleAddCellStart)
		r.Get("/pending", handlers.handlePendingCells)

		r.Route("/{cellID}", func(r chi.Router) {
			r.Post("/schema", withCellID(handlers.handleValidateSchema))
			r.Post("/properties", withCellID(handlers.handleValidateProperties))
			r.Post("/commit", withCellID(handlers.handleCommit))
			r.Delete("/pending", withCellID(handlers.handleCancel))
			r.Put("/network", withCellID(handlers.handleChangeNetwork))
			r.Delete("/", withCellID(handlers.handleRemoveCell))
		})
	})

	return r
}

// withCellID extracts and validates the {cellID} URL parameter
func withCellID(fn func(http.ResponseWriter, *http.Request, cell.ID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := cell.ParseID(chi.URLParam(r, "cellID"))
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		fn(w, r, id)
	}
}
