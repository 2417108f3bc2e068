package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	docHandler "github.com/feriteja/naskah/internal/document"
	"github.com/feriteja/naskah/middleware"
	"github.com/feriteja/naskah/pkg/metrics"
	"github.com/feriteja/naskah/socket"
)

func Setup(h *docHandler.DocumentHandler, hub *socket.Hub, jwtSecret, allowedOrigin string) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.AuthMiddleware(jwtSecret)

	// WebSocket. Not instrumented: the upgrade needs the raw ResponseWriter.
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := middleware.UserIDFrom(r.Context())
		socket.ServeWs(hub, w, r, userID)
	})
	mux.Handle("/ws", auth(wsHandler))

	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/public", metrics.Instrument("/api/public", http.HandlerFunc(h.GetPublicDocument)))

	// REST API
	routes := map[string]http.HandlerFunc{
		"/api/documents":                  h.GetDocuments,
		"/api/documents/create":           h.CreateDocument,
		"/api/documents/get":              h.GetDocument,
		"/api/documents/delete":           h.DeleteDocument,
		"/api/documents/update":           h.UpdateDocument,
		"/api/documents/save":             h.SaveDocument,
		"/api/documents/cells":            h.SaveCells,
		"/api/documents/lock":             h.Lock,
		"/api/documents/members":          h.GetDocumentMembers,
		"/api/documents/editors/grant":    h.GrantEditor,
		"/api/documents/editors/revoke":   h.RevokeEditor,
		"/api/documents/share":            h.Share,
		"/api/documents/comments":         h.GetComments,
		"/api/documents/comments/add":     h.AddComment,
		"/api/documents/comments/resolve": h.ResolveComment,
		"/api/documents/comments/delete":  h.DeleteComment,
	}
	for path, fn := range routes {
		mux.Handle(path, metrics.Instrument(path, auth(fn)))
	}

	return middleware.CORSMiddleware(allowedOrigin)(mux)
}
