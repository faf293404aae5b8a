package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/publisher/pkg/orchestrator"
)

const publishGraceTimeout = 2 * time.Minute

// Publisher is the slice of the orchestrator the HTTP surface drives.
type Publisher interface {
	Publish(ctx context.Context, postID string) error
	Cancel(ctx context.Context, postID string) error
}

// PostReader resolves post state for the read endpoints.
type PostReader interface {
	GetPost(ctx context.Context, postID string) (orchestrator.Post, error)
}

// Config carries the HTTP listener settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Server is the HTTP façade over the publishing orchestrator. Publishing is
// asynchronous: the publish endpoint validates and accepts, completion is
// observed by polling the post or via webhook events.
type Server struct {
	config    Config
	publisher Publisher
	posts     PostReader
	logger    *zap.Logger
}

// New wires a Server.
func New(config Config, publisher Publisher, posts PostReader, logger *zap.Logger) (*Server, error) {
	if publisher == nil || posts == nil {
		return nil, errors.New("http server requires a publisher and a post reader")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{config: config, publisher: publisher, posts: posts, logger: logger}, nil
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1")
	api.POST("/posts/:id/publish", server.handlePublish)
	api.POST("/posts/:id/cancel", server.handleCancel)
	api.GET("/posts/:id", server.handleGetPost)
	return router
}

// Run serves until the context is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) handlePublish(ctx *gin.Context) {
	postID := ctx.Param("id")
	post, err := server.posts.GetPost(ctx.Request.Context(), postID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if post.State != orchestrator.PostStateApproved {
		ctx.JSON(http.StatusConflict, errorResponse("not_publishable", "post is "+post.State.String()))
		return
	}
	if post.NextAttemptUnixUTC > time.Now().UTC().Unix() {
		ctx.JSON(http.StatusConflict, errorResponse("retry_scheduled", "post is waiting out its retry backoff"))
		return
	}
	// The attempt outlives the HTTP request; its result lands on the post row.
	go func() {
		publishCtx, cancel := context.WithTimeout(context.Background(), publishGraceTimeout)
		defer cancel()
		if err := server.publisher.Publish(publishCtx, postID); err != nil {
			if errors.Is(err, orchestrator.ErrPostNotPublishable) {
				return
			}
			server.logger.Error("async publish", zap.String("post_id", postID), zap.Error(err))
		}
	}()
	ctx.JSON(http.StatusAccepted, gin.H{"post_id": postID, "state": orchestrator.PostStatePublishing.String()})
}

func (server *Server) handleCancel(ctx *gin.Context) {
	postID := ctx.Param("id")
	if err := server.publisher.Cancel(ctx.Request.Context(), postID); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"post_id": postID, "state": orchestrator.PostStateCancelled.String()})
}

func (server *Server) handleGetPost(ctx *gin.Context) {
	post, err := server.posts.GetPost(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, postView(post))
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrPostNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "post not found"))
	case errors.Is(err, orchestrator.ErrPostNotPublishable):
		ctx.JSON(http.StatusConflict, errorResponse("not_publishable", err.Error()))
	case errors.Is(err, orchestrator.ErrPostNotCancellable):
		ctx.JSON(http.StatusConflict, errorResponse("not_cancellable", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

func postView(post orchestrator.Post) gin.H {
	view := gin.H{
		"post_id":       post.PostID,
		"subscriber_id": post.SubscriberID,
		"platform":      post.Platform.String(),
		"state":         post.State.String(),
		"attempts":      post.Attempts,
		"content":       post.Content,
	}
	if post.PlatformPostID != "" {
		view["platform_post_id"] = post.PlatformPostID
	}
	if post.LastErrorCode != "" {
		view["error_code"] = string(post.LastErrorCode)
		view["error"] = post.LastError
	}
	if post.NextAttemptUnixUTC != 0 {
		view["next_attempt_unix_utc"] = post.NextAttemptUnixUTC
	}
	return view
}
