package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/zapgate/zapgate/internal/bus"
	"github.com/zapgate/zapgate/internal/otel"
	"github.com/zapgate/zapgate/internal/shared"
)

// apiResponse is the body of every JSON answer on the messaging routes.
type apiResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	Phone         string `json:"phone,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
}

type sendMessageRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

const (
	msgSent          = "Mensagem enviada com sucesso!"
	errMissingFields = "Os campos phone e name são obrigatórios"
	errMissingPhone  = "O parâmetro phone é obrigatório"
	errNotConnected  = "Não conectado ao WhatsApp"
	errNotOnNetwork  = "Número não encontrado no WhatsApp"
	errSendFailed    = "Erro ao enviar mensagem"
	errLookupFailed  = "Erro ao verificar o número"
)

// handleSendMessage implements POST /enviar-mensagem: resolve the phone
// number, send the fixed templated text, answer JSON. The session handle is
// read exactly once; if the connection drops mid-request the capability call
// itself fails and maps to a server error.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		// A wrong verb on a known path gets the same opaque answer as an
		// unknown path.
		s.handleFallback(w, r)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: errMissingFields})
		return
	}
	if req.Phone == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: errMissingFields})
		return
	}

	logger := s.cfg.Logger.With("request_id", shared.RequestID(r.Context()), "phone", req.Phone)

	sess, ok := s.cfg.Holder.Current()
	if !ok {
		logger.Warn("send rejected, no session")
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Error: errNotConnected})
		return
	}

	ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, "send-message",
		otel.AttrPhone.String(req.Phone))
	defer span.End()

	start := time.Now()
	recipient, exists, err := sess.IsOnNetwork(ctx, req.Phone)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LookupDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		logger.Error("recipient lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Error: errLookupFailed})
		return
	}
	if !exists {
		logger.Info("recipient not on network")
		s.lookupMisses.Add(1)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.LookupMisses.Add(ctx, 1)
		}
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Error: errNotOnNetwork})
		return
	}

	text := s.cfg.MessageText(req.Name)
	start = time.Now()
	if err := sess.SendText(ctx, recipient.JID, text); err != nil {
		logger.Error("send failed", "jid", recipient.JID, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Error: errSendFailed})
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SendDuration.Record(ctx, time.Since(start).Seconds())
		s.cfg.Metrics.MessagesSent.Add(ctx, 1)
	}
	s.messagesSent.Add(1)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicMessageSent, bus.MessageSentEvent{Phone: req.Phone, JID: recipient.JID})
	}
	logger.Info("message sent", "jid", recipient.JID)

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: msgSent})
}

// handleFetchPicture implements GET /buscar-foto/{phone}. A lookup miss and
// an unavailable picture both answer 404; only a failed lookup call is a
// server error.
func (s *Server) handleFetchPicture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleFallback(w, r)
		return
	}

	phone := strings.TrimPrefix(r.URL.Path, "/buscar-foto/")
	if phone == "" || strings.Contains(phone, "/") {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: errMissingPhone})
		return
	}

	logger := s.cfg.Logger.With("request_id", shared.RequestID(r.Context()), "phone", phone)

	sess, ok := s.cfg.Holder.Current()
	if !ok {
		logger.Warn("picture fetch rejected, no session")
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Error: errNotConnected})
		return
	}

	ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, "fetch-picture",
		otel.AttrPhone.String(phone))
	defer span.End()

	start := time.Now()
	recipient, exists, err := sess.IsOnNetwork(ctx, phone)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LookupDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		logger.Error("recipient lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Error: errLookupFailed})
		return
	}
	if !exists {
		logger.Info("recipient not on network")
		s.lookupMisses.Add(1)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.LookupMisses.Add(ctx, 1)
		}
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Error: errNotOnNetwork})
		return
	}

	url, err := sess.ProfilePictureURL(ctx, recipient.JID)
	if err != nil {
		// Recipient exists but the picture is not available (none set, or
		// privacy-restricted). The caller gets the underlying detail.
		logger.Info("profile picture not available", "error", err)
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Error: err.Error()})
		return
	}

	logger.Info("profile picture fetched")
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Phone: phone, ProfilePicURL: url})
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
