// Package httpapi exposes the telephony callbacks, the media-stream
// websocket and the introspection endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/config"
	"github.com/adi99/callAI-sub000/internal/convo"
	"github.com/adi99/callAI-sub000/internal/observability"
	"github.com/adi99/callAI-sub000/internal/reliability"
	"github.com/adi99/callAI-sub000/internal/stream"
	"github.com/adi99/callAI-sub000/internal/synth"
	"github.com/adi99/callAI-sub000/internal/transcribe"
)

type Server struct {
	cfg         config.Config
	streams     *stream.Manager
	convos      *convo.Orchestrator
	voice       *synth.Cascade
	transcriber *transcribe.Engine
	clips       *ClipCache
	metrics     *observability.Metrics
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, streams *stream.Manager, convos *convo.Orchestrator, voice *synth.Cascade, transcriber *transcribe.Engine, clips *ClipCache, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		streams:     streams,
		convos:      convos,
		voice:       voice,
		transcriber: transcriber,
		clips:       clips,
		metrics:     metrics,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony media streams arrive from the platform's
				// infrastructure without a browser Origin header.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/twilio/voice", s.handleIncomingCall)
	r.Post("/twilio/voice/turn", s.handleTurn)
	r.Post("/twilio/voice/status", s.handleCallStatus)
	r.Get("/twilio/media-stream", s.handleMediaStreamWS)
	r.Get("/audio/{id}", s.handleAudioClip)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{callID}/transcript", s.handleTranscript)
	r.Post("/v1/recordings/transcribe", s.handleBatchTranscribe)
	r.Get("/v1/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"transcription": s.transcriber != nil && s.transcriber.Available(),
		"synthesis":     s.voice != nil,
		"model":         s.convos != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	synthesisReady := false
	if s.voice != nil {
		synthesisReady = s.voice.Healthcheck(r.Context()) == nil
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"transcription":   s.transcriber != nil && s.transcriber.Available(),
		"synthesis_ready": synthesisReady,
	})
}

// handleIncomingCall answers a new call with the greeting and arms speech
// collection for the first turn.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callID := strings.TrimSpace(r.PostFormValue("CallSid"))
	from := strings.TrimSpace(r.PostFormValue("From"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "missing_call_sid", "CallSid form field is required")
		return
	}
	if s.convos == nil {
		s.respondTwiML(w, mustReject("We cannot take your call right now. Goodbye."))
		return
	}

	view, greeting, err := s.convos.StartConversation(r.Context(), callID, from)
	if err != nil {
		s.log.Error().Err(err).Str("call_sid", callID).Msg("starting conversation failed")
		s.respondTwiML(w, mustReject(synth.ApologyText))
		return
	}

	spoken := s.speak(r, greeting)
	doc, err := gatherResponse(s.replyFor(spoken), s.turnActionURL(view.ID))
	if err != nil {
		s.log.Error().Err(err).Msg("rendering voice response failed")
		s.respondTwiML(w, mustReject(synth.ApologyText))
		return
	}
	s.respondTwiML(w, doc)
}

// handleTurn receives the recognized utterance for one turn and answers with
// the next voice document.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		conversationID = strings.TrimSpace(r.PostFormValue("conversation_id"))
	}
	if conversationID == "" || s.convos == nil {
		s.respondTwiML(w, mustReject("This call is no longer active. Goodbye."))
		return
	}
	utterance := r.PostFormValue("SpeechResult")

	res, err := s.convos.HandleTurn(r.Context(), conversationID, utterance)
	if errors.Is(err, convo.ErrNotFound) {
		s.respondTwiML(w, mustReject("This call is no longer active. Goodbye."))
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("conversation_id", conversationID).Msg("turn handling failed")
		s.respondTwiML(w, mustReject(synth.ApologyText))
		return
	}

	reply := s.replyFor(res.Spoken)
	var doc string
	if res.ShouldContinue {
		doc, err = gatherResponse(reply, s.turnActionURL(conversationID))
	} else {
		doc, err = hangupResponse(reply)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("rendering voice response failed")
		s.respondTwiML(w, mustReject(synth.ApologyText))
		return
	}
	s.respondTwiML(w, doc)
}

// handleCallStatus receives call lifecycle updates and closes the
// conversation when the platform reports the call over.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callID := strings.TrimSpace(r.PostFormValue("CallSid"))
	status := strings.TrimSpace(r.PostFormValue("CallStatus"))

	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		if s.convos != nil {
			if view, err := s.convos.ByCallID(callID); err == nil {
				if _, err := s.convos.EndConversation(r.Context(), view.ID); err != nil {
					s.log.Warn().Err(err).Str("call_sid", callID).Msg("ending conversation on status callback failed")
				}
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMediaStreamWS carries the framed audio protocol for one call.
func (s *Server) handleMediaStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "media streaming not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	conn.SetReadLimit(2 << 20)

	var streamSID string
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := stream.ParseStreamMessage(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("unparseable stream message")
			continue
		}
		if msg.Event == stream.EventStart && msg.Start != nil {
			streamSID = msg.Start.StreamSID
		}
		if err := s.streams.HandleMessage(ctx, msg); err != nil {
			s.log.Warn().Err(err).Str("event", msg.Event).Msg("stream message handling failed")
		}
		if msg.Event == stream.EventStop {
			streamSID = ""
		}
	}

	// Connection lost without a stop event: final-flush and tear down.
	if streamSID != "" {
		if err := s.streams.StopSession(ctx, streamSID); err != nil && !errors.Is(err, stream.ErrSessionNotFound) {
			s.log.Warn().Err(err).Str("stream_sid", streamSID).Msg("tearing down stream session failed")
		}
	}
}

func (s *Server) handleAudioClip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, contentType, ok := s.clips.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "clip_not_found", "audio clip expired or never existed")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	var streamz []stream.SessionInfo
	if s.streams != nil {
		streamz = s.streams.ActiveSessions()
	}
	var convos []convo.View
	if s.convos != nil {
		convos = s.convos.Active()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active_streams":       streamz,
		"active_conversations": convos,
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	out := map[string]any{"call_id": callID}
	found := false
	if s.streams != nil {
		if transcript, err := s.streams.TranscriptForCall(callID); err == nil {
			out["stream_transcript"] = transcript
			if segments, err := s.streams.SegmentsForCall(callID); err == nil {
				out["segments"] = segments
			}
			found = true
		}
	}
	if s.convos != nil {
		if view, err := s.convos.ByCallID(callID); err == nil {
			out["conversation"] = view
			found = true
		}
	}
	if !found {
		respondError(w, http.StatusNotFound, "call_not_found", "no transcript for call "+callID)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// handleBatchTranscribe runs the transcriber over an uploaded recording.
func (s *Server) handleBatchTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.transcriber == nil || !s.transcriber.Available() {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "transcription not configured")
		return
	}
	limit := int64(s.cfg.MaxAudioBytes)
	if limit <= 0 {
		limit = 10 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable_body", err.Error())
		return
	}

	result, err := s.transcriber.TranscribeBuffer(r.Context(), body, transcribe.Options{
		Language: r.URL.Query().Get("language"),
	})
	if err != nil {
		status := http.StatusBadGateway
		if reliability.ClassOf(err) == reliability.ClassValidation {
			status = http.StatusBadRequest
		}
		respondError(w, status, reliability.CodeOf(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if s.transcriber != nil {
		out["transcription"] = s.transcriber.Stats()
	}
	if s.voice != nil {
		out["synthesis"] = s.voice.Stats()
	}
	respondJSON(w, http.StatusOK, out)
}

// speak runs text through the cascade; with no cascade configured the
// platform's own voice reads the text.
func (s *Server) speak(r *http.Request, text string) synth.SpokenReply {
	if s.voice == nil {
		return synth.SpokenReply{Kind: synth.KindSay, Text: text, FallbackUsed: true}
	}
	spoken, err := s.voice.Speak(r.Context(), text, synth.VoiceParams{VoiceID: s.cfg.ElevenLabsVoice, ModelID: s.cfg.ElevenLabsModel}, text)
	if err != nil {
		return synth.SpokenReply{Kind: synth.KindSay, Text: text, FallbackUsed: true}
	}
	return spoken
}

// replyFor maps a spoken reply onto the voice document: audio goes through
// the clip cache, text through Say.
func (s *Server) replyFor(spoken synth.SpokenReply) voiceReply {
	if spoken.Kind == synth.KindAudio && s.clips != nil {
		id := s.clips.Put(spoken.Audio, spoken.ContentType)
		return voiceReply{PlayURL: s.publicURL("/audio/" + id)}
	}
	return voiceReply{Say: spoken.Text}
}

func (s *Server) turnActionURL(conversationID string) string {
	return s.publicURL("/twilio/voice/turn?conversation_id=" + url.QueryEscape(conversationID))
}

func (s *Server) publicURL(path string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	return base + path
}

func (s *Server) respondTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// mustReject builds the bare closing document; the input is a fixed string
// so rendering cannot fail.
func mustReject(message string) string {
	doc, err := rejectResponse(message)
	if err != nil {
		return "<Response><Hangup/></Response>"
	}
	return doc
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
