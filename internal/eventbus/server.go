package eventbus

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/featureguild/pkg/cerr"
)

type Server struct {
	journal *Journal
}

func NewServer(journal *Journal) *Server {
	return &Server{journal: journal}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/events", s.list)
}

type listResponse struct {
	Events []*Event `json:"events"`
}

// list returns the journaled events of ?date=YYYY-MM-DD (today by default),
// filtered by ?type= when given.
func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day := time.Now().UTC()
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.Parse(time.DateOnly, d)
		if err != nil {
			cerr.SetJSONError(ctx, cerr.NewError(cerr.InvalidArgument, "invalid date", err).
				AddViolation("date", "format", "date must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}
	events, err := s.journal.Read(day, EventType(r.URL.Query().Get("type")))
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "server error", err)
		return
	}
	cerr.SetJSONResponse(ctx, &listResponse{Events: events})
}
