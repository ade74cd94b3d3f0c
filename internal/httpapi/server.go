// Package httpapi exposes the photo mailer over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/shineum/photo-mailer/internal/sendphoto"
)

const (
	defaultTimeout = 5 * time.Second

	formFieldEmail = "email"
	formFieldPhoto = "photo"
)

// Response messages. Validation failures use the error text instead.
const (
	msgSent             = "photo sent successfully"
	msgAuthError        = "authentication error, check credentials"
	msgConnectError     = "connection error, check server/port"
	msgInternalPrefix   = "internal server error: "
	msgMethodNotAllowed = "method not allowed"
	msgNotFound         = "not found"
)

// PhotoSender delivers one photo request.
type PhotoSender interface {
	Send(ctx context.Context, req sendphoto.Request) error
}

// Config captures all inputs required to construct the HTTP server.
type Config struct {
	ListenAddr           string
	Sender               PhotoSender
	Logger               *slog.Logger
	ReadHeaderTimeout    time.Duration
	ShutdownGraceTimeout time.Duration
}

// Server hosts the photo endpoint.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires Gin, middleware and handlers.
func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, errors.New("httpapi: listen address is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("httpapi: photo sender is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("httpapi: logger is required")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(cfg.Logger))
	engine.Use(reflectRequestHeaders())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		MaxAge:          12 * time.Hour,
	}))

	engine.NoRoute(func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusNotFound, gin.H{"message": msgNotFound})
	})
	engine.NoMethod(func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusMethodNotAllowed, gin.H{"message": msgMethodNotAllowed})
	})

	engine.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &photoHandler{sender: cfg.Sender, logger: cfg.Logger}
	engine.POST("/send-photo", handler.sendPhoto)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: pickDuration(cfg.ReadHeaderTimeout, defaultTimeout),
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		logger:     cfg.Logger,
	}, nil
}

// Handler returns the routed handler.
func (server *Server) Handler() http.Handler {
	return server.httpServer.Handler
}

// Start begins serving HTTP traffic and blocks until the server stops.
func (server *Server) Start() error {
	server.logger.Info("http_server_listening", "addr", server.config.ListenAddr)
	err := server.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully terminates the HTTP server.
func (server *Server) Shutdown(ctx context.Context) error {
	timeout := pickDuration(server.config.ShutdownGraceTimeout, defaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return server.httpServer.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		started := time.Now()
		contextGin.Next()
		logger.Info(
			"http_request_completed",
			"method", contextGin.Request.Method,
			"path", contextGin.Request.URL.Path,
			"status", contextGin.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

type photoHandler struct {
	sender PhotoSender
	logger *slog.Logger
}

// reflectRequestHeaders allows whatever headers a preflight asks for.
func reflectRequestHeaders() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requested := contextGin.GetHeader("Access-Control-Request-Headers")
		if contextGin.Request.Method == http.MethodOptions && requested != "" {
			contextGin.Header("Access-Control-Allow-Headers", requested)
			contextGin.Writer.Header().Add("Vary", "Access-Control-Request-Headers")
		}
		contextGin.Next()
	}
}

func (handler *photoHandler) sendPhoto(contextGin *gin.Context) {
	request := sendphoto.Request{Recipient: contextGin.PostForm(formFieldEmail)}

	fileHeader, err := contextGin.FormFile(formFieldPhoto)
	switch {
	case err == nil:
		file, openErr := fileHeader.Open()
		if openErr != nil {
			handler.writeError(contextGin, openErr)
			return
		}
		defer file.Close()
		request.Photo = &sendphoto.Photo{Filename: fileHeader.Filename, Content: file}
	case hasEmptyFilenamePart(contextGin.Request):
		// A file part with an empty filename is decoded as a plain value.
		request.Photo = &sendphoto.Photo{Content: strings.NewReader("")}
	default:
		if !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
			handler.logger.Warn("multipart_parse_failed", "error", err)
		}
	}

	if err := handler.sender.Send(contextGin.Request.Context(), request); err != nil {
		handler.writeError(contextGin, err)
		return
	}

	contextGin.JSON(http.StatusOK, gin.H{"message": msgSent})
}

func hasEmptyFilenamePart(request *http.Request) bool {
	form := request.MultipartForm
	if form == nil {
		return false
	}
	_, present := form.Value[formFieldPhoto]
	return present
}

func (handler *photoHandler) writeError(contextGin *gin.Context, err error) {
	kind := sendphoto.KindOf(err)
	switch kind {
	case sendphoto.KindValidation:
		handler.logger.Info("send_photo_rejected", "reason", err.Error())
		contextGin.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case sendphoto.KindAuth:
		handler.logger.Error("send_photo_failed", "kind", kind.String(), "error", err)
		contextGin.JSON(http.StatusInternalServerError, gin.H{"message": msgAuthError})
	case sendphoto.KindConnect:
		handler.logger.Error("send_photo_failed", "kind", kind.String(), "error", err)
		contextGin.JSON(http.StatusInternalServerError, gin.H{"message": msgConnectError})
	default:
		handler.logger.Error("send_photo_failed", "kind", kind.String(), "error", err)
		contextGin.JSON(http.StatusInternalServerError, gin.H{"message": msgInternalPrefix + err.Error()})
	}
}

func pickDuration(candidate time.Duration, fallback time.Duration) time.Duration {
	if candidate <= 0 {
		return fallback
	}
	return candidate
}
