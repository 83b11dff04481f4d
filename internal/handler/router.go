package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/fieldops/dispatch/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware диспетчерской.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.resolvePrincipal)

			r.Get("/me", h.Me)

			r.Route("/users", func(r chi.Router) {
				r.Post("/", h.RegisterUser)
				r.Get("/{userID}", h.GetUser)
				r.Get("/{userID}/balance", h.GetBalance)
				r.Get("/{userID}/ledger", h.LedgerEntries)
				r.Post("/{userID}/top-up", h.TopUp)
			})

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.CreateOrder)
				r.Get("/queue", h.ProcessingQueue)

				r.Route("/{orderID}", func(r chi.Router) {
					r.Get("/", h.GetOrder)
					r.Delete("/", h.DeleteOrder)
					r.Post("/processing", h.MarkProcessing)
					r.Post("/assign", h.AssignOrder)
					r.Post("/take", h.TakeOrder)
					r.Post("/release", h.ReleaseAssignment)
					r.Post("/warranty", h.TransferToWarranty)
					r.Post("/start", h.StartOrder)
					r.Post("/completions", h.SubmitCompletion)
					r.Get("/completions", h.OrderCompletions)
					r.Get("/audit", h.OrderAudit)
				})
			})

			r.Route("/completions", func(r chi.Router) {
				r.Get("/queue", h.ReviewQueue)
				r.Get("/{completionID}", h.GetCompletion)
				r.Post("/{completionID}/review", h.ReviewCompletion)
			})

			r.Route("/masters/{masterID}", func(r chi.Router) {
				r.Get("/orders", h.MasterOrders)
				r.Get("/visible-orders", h.VisibleOrders)
				r.Get("/schedule", h.DailySchedule)
				r.Put("/schedule", h.ConfigureSchedule)
				r.Get("/slots/free", h.AvailableSlots)
				r.Post("/slots/cleanup", h.CleanupSlots)
				r.Get("/availability", h.ListAvailability)
				r.Post("/availability", h.AddAvailability)
				r.Delete("/availability/{windowID}", h.RemoveAvailability)
				r.Post("/fine", h.FineMaster)
				r.Put("/tier", h.SetTier)
				r.Get("/policy", h.EffectivePolicy)
				r.Put("/policy", h.SetMasterPolicy)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/treasury", h.Treasury)
				r.Get("/ledger.xlsx", h.ExportLedger)
				r.Put("/policy", h.SetGlobalPolicy)
				r.Post("/tiers/recompute", h.RecomputeTiers)
				r.Get("/distance-settings", h.DistanceSettings)
				r.Put("/distance-settings", h.SetDistanceSettings)
				r.Get("/audit", h.SystemAudit)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
