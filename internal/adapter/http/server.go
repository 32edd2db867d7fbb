package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/numbleroot/autotube/internal/domain"
)

// Follower registers channels with the scheduler.
type Follower interface {
	Follow(ctx context.Context, url, feedURL string, freq domain.Frequency, downloadAsOf int) (*domain.Channel, error)
}

// Submitter hands on-demand downloads to the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, videoID, videoURL string, origin domain.JobOrigin, channelID string) (int64, error)
}

// ChannelResolver canonicalizes a channel URL and resolves its feed URL.
type ChannelResolver interface {
	Resolve(ctx context.Context, raw string) (string, string, error)
}

// VideoResolver validates a video URL and extracts its id.
type VideoResolver func(raw string) (videoID, canonical string, err error)

// Server is the HTTP command surface: follow a channel, download a video now.
// Both commands return as soon as the request is durably recorded; download
// outcomes are only observable through the persisted job records.
type Server struct {
	follower  Follower
	submitter Submitter
	channels  ChannelResolver
	videos    VideoResolver
	mux       *http.ServeMux
	server    *http.Server
}

// NewServer creates the command surface server.
func NewServer(follower Follower, submitter Submitter, channels ChannelResolver, videos VideoResolver, addr string) *Server {
	s := &Server{
		follower:  follower,
		submitter: submitter,
		channels:  channels,
		videos:    videos,
		mux:       http.NewServeMux(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /channels/follow", s.handleFollow)
	s.mux.HandleFunc("POST /downloads/ondemand", s.handleOnDemand)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

type followRequest struct {
	URL          string `json:"url"`
	Frequency    string `json:"frequency"`
	DownloadAsOf int    `json:"download_as_of"`
}

type followResponse struct {
	ChannelID string `json:"channel_id,omitempty"`
	Status    string `json:"status"`
}

type onDemandRequest struct {
	URL string `json:"url"`
}

type onDemandResponse struct {
	JobID  int64  `json:"job_id,omitempty"`
	Status string `json:"status"`
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	var req followRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, followResponse{Status: "invalid JSON"})
		return
	}

	freq, err := domain.ParseFrequency(req.Frequency)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, followResponse{
			Status: "field 'frequency' needs to be one of: 'often', 'sometimes', 'rarely'",
		})
		return
	}
	if req.DownloadAsOf < 0 || req.DownloadAsOf > 255 {
		s.writeJSON(w, http.StatusBadRequest, followResponse{
			Status: "field 'download_as_of' needs to be in [0, 255]",
		})
		return
	}

	channelURL, feedURL, err := s.channels.Resolve(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidURL) {
			s.writeJSON(w, http.StatusBadRequest, followResponse{Status: err.Error()})
			return
		}
		logrus.WithError(err).Error("channel resolution failed")
		s.writeJSON(w, http.StatusInternalServerError, followResponse{Status: "internal error"})
		return
	}

	ch, err := s.follower.Follow(r.Context(), channelURL, feedURL, freq, req.DownloadAsOf)
	if err != nil {
		logrus.WithError(err).Error("follow failed")
		s.writeJSON(w, http.StatusInternalServerError, followResponse{Status: "could not record channel"})
		return
	}

	s.writeJSON(w, http.StatusCreated, followResponse{
		ChannelID: ch.ID,
		Status:    "following channel " + ch.URL,
	})
}

func (s *Server) handleOnDemand(w http.ResponseWriter, r *http.Request) {
	var req onDemandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, onDemandResponse{Status: "invalid JSON"})
		return
	}

	videoID, canonical, err := s.videos(req.URL)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, onDemandResponse{Status: err.Error()})
		return
	}

	jobID, err := s.submitter.Submit(r.Context(), videoID, canonical, domain.OriginOnDemand, "")
	if err != nil {
		logrus.WithError(err).Error("on-demand submit failed")
		s.writeJSON(w, http.StatusServiceUnavailable, onDemandResponse{Status: "could not queue download"})
		return
	}

	s.writeJSON(w, http.StatusCreated, onDemandResponse{
		JobID:  jobID,
		Status: "video submitted to download queue",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
