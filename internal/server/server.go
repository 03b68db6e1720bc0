package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cargonotes/internal"
	"cargonotes/internal/audit"
	"cargonotes/internal/config"
	"cargonotes/internal/listener"
	"cargonotes/internal/logutil"
)

type Syncer interface {
	RunCycle(ctx context.Context) (listener.CycleResult, error)
}

type Auditor interface {
	Run(ctx context.Context, files []internal.CarrierFile) (audit.Report, error)
}

type NoteReader interface {
	GetNote(ctx context.Context, noteID string) (*internal.DispatchNote, error)
	ListNotesByStatus(ctx context.Context, status internal.NoteStatus) ([]internal.DispatchNote, error)
	ListNotes(ctx context.Context) ([]internal.DispatchNote, error)
	GetMetadata(key string) (*string, error)
}

type Server struct {
	router  *gin.Engine
	cfg     config.Config
	notes   NoteReader
	syncer  Syncer
	auditor Auditor
	logger  *slog.Logger
}

// carrierUpload names the multipart fields of one carrier file.
type carrierUpload struct {
	key   string
	label string
	rate  float64
}

func New(cfg config.Config, notes NoteReader, syncer Syncer, auditor Auditor, logger *slog.Logger) *Server {
	s := &Server{
		router:  gin.New(),
		cfg:     cfg,
		notes:   notes,
		syncer:  syncer,
		auditor: auditor,
		logger:  logutil.OrDefault(logger),
	}
	s.router.Use(gin.Recovery(), s.requestLog)
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)

	api := s.router.Group("/api")
	{
		api.GET("/sync_emails", s.syncEmails)
		api.POST("/sync_emails", s.syncEmails)
		api.POST("/audit_pdf", s.auditPDF)
		api.GET("/notes", s.listNotes)
		api.GET("/notes/:id", s.getNote)
	}
}

// healthz echoes the latest listener cycle, if any.
func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	last, err := s.notes.GetMetadata(listener.LastCycleKey)
	if err != nil {
		s.logger.Warn("read last cycle", "error", err)
	} else if last != nil {
		body["last_sync"] = json.RawMessage(*last)
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) requestLog(c *gin.Context) {
	c.Next()
	s.logger.Debug("http request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status())
}

// GET|POST /api/sync_emails?key=
func (s *Server) syncEmails(c *gin.Context) {
	secret := s.cfg.CronSecret
	key := c.Query("key")
	if secret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	res, err := s.syncer.RunCycle(c.Request.Context())
	if err != nil {
		s.logger.Error("sync failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "result": res})
}

// POST /api/audit_pdf
func (s *Server) auditPDF(c *gin.Context) {
	uploads := []carrierUpload{
		{key: "postal", label: audit.CarrierPostal, rate: s.cfg.PostalRate},
		{key: "densa", label: audit.CarrierDensa, rate: s.cfg.DensaRate},
	}

	files := []internal.CarrierFile{}
	for _, u := range uploads {
		fh, err := c.FormFile("file_" + u.key)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form data"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		content, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rate := parseRate(c.PostForm("price_"+u.key), u.rate)
		carrier, err := audit.LoadCarrierFile(u.label, content, strings.TrimSpace(c.PostForm("month_"+u.key)), rate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Info("carrier file received", "label", u.label, "file", fh.Filename, "period", carrier.Period, "rate", rate)
		files = append(files, carrier)
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}

	report, err := s.auditor.Run(c.Request.Context(), files)
	if err != nil {
		s.logger.Error("audit failed", "trace", report.TraceID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, auditResponse{Status: "success", Report: report})
}

type auditResponse struct {
	Status string `json:"status"`
	audit.Report
}

// GET /api/notes?status=
func (s *Server) listNotes(c *gin.Context) {
	var (
		notes []internal.DispatchNote
		err   error
	)
	if status := strings.ToUpper(strings.TrimSpace(c.Query("status"))); status != "" {
		notes, err = s.notes.ListNotesByStatus(c.Request.Context(), internal.NoteStatus(status))
	} else {
		notes, err = s.notes.ListNotes(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if notes == nil {
		notes = []internal.DispatchNote{}
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes, "count": len(notes)})
}

// GET /api/notes/:id
func (s *Server) getNote(c *gin.Context) {
	id := strings.ToUpper(strings.TrimSpace(c.Param("id")))
	note, err := s.notes.GetNote(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if note == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "note not found"})
		return
	}
	c.JSON(http.StatusOK, note)
}

// parseRate accepts "2.89" or "2,89"; anything else keeps the default.
func parseRate(raw string, fallback float64) float64 {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
