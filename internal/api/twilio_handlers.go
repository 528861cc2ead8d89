package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FormPipe/internal/engine"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/store"
	"github.com/BTreeMap/FormPipe/internal/twiliosms"
)

// ChannelSMS is the session channel recorded for Twilio conversations.
const ChannelSMS = "sms"

// twilioSMSHandler handles inbound Twilio messages (POST /twilio/sms). Each sender is bound
// to one active session; the first message from a sender starts a session on the configured form.
func (s *Server) twilioSMSHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.opts.Twilio
	r.Body = http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioSMSHandler: failed to parse form", "error", err)
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	if cfg.Validator != nil {
		if !cfg.Validator.Valid(s.webhookURL(r), r.PostForm, r.Header.Get(twiliosms.SignatureHeader)) {
			slog.Warn("Server.twilioSMSHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	from := strings.TrimSpace(r.PostForm.Get("From"))
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}

	reply, err := s.converse(r.Context(), cfg.FormSlug, from, body)
	if err != nil {
		slog.Error("Server.twilioSMSHandler: turn failed", "from", from, "error", err)
		reply = "Sorry, something went wrong. Please try again later."
	}

	twimlBody := reply
	if cfg.Sender != nil {
		if err := cfg.Sender.SendMessage(r.Context(), from, reply); err != nil {
			slog.Error("Server.twilioSMSHandler: failed to send reply", "from", from, "error", err)
		} else {
			twimlBody = ""
		}
	}
	out, err := twiliosms.Reply(twimlBody)
	if err != nil {
		slog.Error("Server.twilioSMSHandler: failed to render TwiML", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(out)); err != nil {
		slog.Error("Server.twilioSMSHandler: failed to write response", "error", err)
	}
}

// converse routes text from address to its active session, starting one when there is none.
func (s *Server) converse(ctx context.Context, slug, address, text string) (string, error) {
	sessionID, ok, err := s.opts.Conversations.Lookup(ctx, address)
	if err != nil {
		return "", err
	}
	if ok {
		session, err := s.engine.Session(ctx, sessionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			ok = false
		case err != nil:
			return "", err
		case !session.Active():
			ok = false
		}
	}

	if !ok {
		started, err := s.engine.StartSession(ctx, slug, engine.StartOptions{
			Channel:  ChannelSMS,
			Metadata: map[string]string{"from": address},
		})
		if err != nil {
			return "", err
		}
		if err := s.opts.Conversations.Bind(ctx, address, started.Session.ID); err != nil {
			return "", err
		}
		slog.Info("Server.converse: started SMS session", "sessionID", started.Session.ID, "slug", slug)
		return started.Reply, nil
	}

	result, err := s.engine.ProcessTurn(ctx, sessionID, text)
	if err != nil {
		return "", err
	}
	if result.State != models.SessionStatusActive {
		if err := s.opts.Conversations.Unbind(ctx, address); err != nil {
			slog.Warn("Server.converse: failed to unbind finished session", "sessionID", sessionID, "error", err)
		}
	}
	return result.Reply, nil
}

// webhookURL is the URL Twilio signed: the configured public URL, or one rebuilt from the request.
func (s *Server) webhookURL(r *http.Request) string {
	if s.opts.Twilio.PublicURL != "" {
		return s.opts.Twilio.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
