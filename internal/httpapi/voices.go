package httpapi

import (
	"net/http"

	"github.com/antoniostano/narrate/internal/conversion"
)

type listVoicesResponse struct {
	DefaultVoice conversion.Voice   `json:"default_voice"`
	Voices       []conversion.Voice `json:"voices"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	voices := conversion.Voices()
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoice: voices[0],
		Voices:       voices,
	})
}
