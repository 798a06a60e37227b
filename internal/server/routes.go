package server

import "net/http"

// setupRoutes registers the API route table. Method and path matching uses
// the standard mux patterns; everything under the authenticated group
// requires a valid bearer token.
func (s *Server) setupRoutes(h Handlers) {
	// Public
	s.router.HandleFunc("GET /api/health", h.API.Health)
	s.router.HandleFunc("GET /api/version", h.API.Version)
	s.router.HandleFunc("POST /api/auth/login", h.Auth.Login)

	authed := func(fn http.HandlerFunc) http.HandlerFunc {
		return s.requireAuth(fn)
	}

	// Session
	s.router.HandleFunc("POST /api/auth/logout", authed(h.Auth.Logout))
	s.router.HandleFunc("GET /api/users/me", authed(h.User.Me))

	// Users (admin)
	s.router.HandleFunc("GET /api/users", authed(h.User.List))
	s.router.HandleFunc("POST /api/users", authed(h.User.Create))
	s.router.HandleFunc("GET /api/users/{id}", authed(h.User.Get))
	s.router.HandleFunc("PUT /api/users/{id}", authed(h.User.Update))
	s.router.HandleFunc("DELETE /api/users/{id}", authed(h.User.Delete))

	// Automations
	s.router.HandleFunc("GET /api/automations", authed(h.Automation.List))
	s.router.HandleFunc("POST /api/automations", authed(h.Automation.Create))
	s.router.HandleFunc("GET /api/automations/{id}", authed(h.Automation.Get))
	s.router.HandleFunc("PUT /api/automations/{id}", authed(h.Automation.Update))
	s.router.HandleFunc("DELETE /api/automations/{id}", authed(h.Automation.Delete))
	s.router.HandleFunc("POST /api/automations/{id}/trigger", authed(h.Automation.Trigger))

	// Sources
	s.router.HandleFunc("GET /api/automations/{id}/sources", authed(h.Automation.ListSources))
	s.router.HandleFunc("POST /api/automations/{id}/sources", authed(h.Automation.CreateSource))
	s.router.HandleFunc("PUT /api/automations/{id}/sources/{sourceID}", authed(h.Automation.UpdateSource))
	s.router.HandleFunc("DELETE /api/automations/{id}/sources/{sourceID}", authed(h.Automation.DeleteSource))

	// Exports
	s.router.HandleFunc("GET /api/automations/{id}/exports", authed(h.Automation.ListExports))
	s.router.HandleFunc("POST /api/automations/{id}/exports", authed(h.Automation.CreateExport))
	s.router.HandleFunc("PUT /api/automations/{id}/exports/{exportID}", authed(h.Automation.UpdateExport))
	s.router.HandleFunc("DELETE /api/automations/{id}/exports/{exportID}", authed(h.Automation.DeleteExport))

	// Mappings
	s.router.HandleFunc("GET /api/automations/{id}/mappings", authed(h.Automation.ListMappings))
	s.router.HandleFunc("POST /api/automations/{id}/mappings", authed(h.Automation.CreateMapping))
	s.router.HandleFunc("DELETE /api/automations/{id}/mappings/{mappingID}", authed(h.Automation.DeleteMapping))

	// Jobs
	s.router.HandleFunc("GET /api/jobs", authed(h.Job.List))
	s.router.HandleFunc("GET /api/automations/{id}/jobs", authed(h.Job.ListForAutomation))
	s.router.HandleFunc("GET /api/jobs/{id}", authed(h.Job.Get))
	s.router.HandleFunc("POST /api/jobs/{id}/cancel", authed(h.Job.Cancel))
	s.router.HandleFunc("DELETE /api/jobs/{id}", authed(h.Job.Cancel))

	// Export history
	s.router.HandleFunc("GET /api/jobs/{id}/history", authed(h.History.ListForJob))
	s.router.HandleFunc("GET /api/export-history", authed(h.History.List))
}
