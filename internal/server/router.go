package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/materializer"
	"github.com/p2panda/node/internal/publish"
	"github.com/p2panda/node/internal/schema"
)

const (
	adminSubjectContextKey = "panda_admin_subject"
	defaultFailuresLimit   = 100
	maxFailuresLimit       = 1000
)

var (
	errMissingPublisher     = errors.New("entry publisher dependency required")
	errMissingDocuments     = errors.New("document reader dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errMissingAdminServices = errors.New("schema and projection admin dependencies required with a token validator")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// EntryPublisher is the publish pipeline exposed over JSON-RPC.
type EntryPublisher interface {
	PublishEntry(ctx context.Context, entryHex, messageHex string) (publish.Arguments, error)
	EntryArguments(ctx context.Context, author bamboo.Author, schema bamboo.Hash) (publish.Arguments, error)
}

// DocumentReader serves default reads of materialized records.
type DocumentReader interface {
	Get(ctx context.Context, schemaID, id bamboo.Hash) (materializer.Document, error)
	List(ctx context.Context, schemaID bamboo.Hash) ([]materializer.Document, error)
}

// SchemaAdmin registers and lists schemas.
type SchemaAdmin interface {
	Register(ctx context.Context, definition schema.Definition) (schema.Resolved, error)
	List(ctx context.Context) ([]schema.Resolved, error)
}

// ProjectionAdmin rebuilds projections and reports materialization failures.
type ProjectionAdmin interface {
	Rebuild(ctx context.Context, schemaID bamboo.Hash) (materializer.RebuildResult, error)
	Failures(ctx context.Context, limit int) ([]materializer.Failure, error)
}

// TokenValidator validates admin bearer tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler. Admin routes are mounted only when
// Tokens is set.
type Dependencies struct {
	Publisher   EntryPublisher
	Documents   DocumentReader
	Schemas     SchemaAdmin
	Projections ProjectionAdmin
	Tokens      TokenValidator
	Realtime    *RealtimeDispatcher
	Logger      *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Publisher == nil {
		return nil, errMissingPublisher
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	if deps.Tokens != nil && (deps.Schemas == nil || deps.Projections == nil) {
		return nil, errMissingAdminServices
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		publisher:   deps.Publisher,
		documents:   deps.Documents,
		schemas:     deps.Schemas,
		projections: deps.Projections,
		tokens:      deps.Tokens,
		realtime:    deps.Realtime,
		logger:      logger,
	}

	router.POST("/rpc", handler.handleRPC)
	router.GET("/schemas/:schema/documents", handler.handleListDocuments)
	router.GET("/schemas/:schema/documents/:id", handler.handleGetDocument)
	router.GET("/entries/stream", handler.handleEntryStream)

	if deps.Tokens != nil {
		admin := router.Group("/admin")
		admin.Use(handler.authorizeRequest)
		admin.GET("/schemas", handler.handleListSchemas)
		admin.POST("/schemas", handler.handleRegisterSchema)
		admin.POST("/schemas/:schema/rebuild", handler.handleRebuild)
		admin.GET("/materialization/failures", handler.handleFailures)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	publisher   EntryPublisher
	documents   DocumentReader
	schemas     SchemaAdmin
	projections ProjectionAdmin
	tokens      TokenValidator
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
}

type documentsResponsePayload struct {
	Schema    string                  `json:"schema"`
	Documents []materializer.Document `json:"documents"`
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	schemaID, ok := h.schemaParam(c)
	if !ok {
		return
	}
	documents, err := h.documents.List(c.Request.Context(), schemaID)
	if err != nil {
		h.respondReadError(c, err)
		return
	}
	c.JSON(http.StatusOK, documentsResponsePayload{Schema: schemaID.String(), Documents: documents})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	schemaID, ok := h.schemaParam(c)
	if !ok {
		return
	}
	documentID, err := bamboo.NewHash(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	document, err := h.documents.Get(c.Request.Context(), schemaID, documentID)
	if err != nil {
		h.respondReadError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) respondReadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, schema.ErrUnknownSchema):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_schema"})
	case errors.Is(err, materializer.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("failed to read documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
	}
}

type schemaResponsePayload struct {
	ID         string            `json:"id"`
	Definition schema.Definition `json:"definition"`
}

func toSchemaPayload(resolved schema.Resolved) schemaResponsePayload {
	return schemaResponsePayload{ID: resolved.ID.String(), Definition: resolved.Definition}
}

func (h *httpHandler) handleListSchemas(c *gin.Context) {
	resolved, err := h.schemas.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list schemas", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]schemaResponsePayload, 0, len(resolved))
	for _, entry := range resolved {
		response = append(response, toSchemaPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"schemas": response})
}

func (h *httpHandler) handleRegisterSchema(c *gin.Context) {
	var definition schema.Definition
	if err := c.ShouldBindJSON(&definition); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolved, err := h.schemas.Register(c.Request.Context(), definition)
	if errors.Is(err, schema.ErrInvalidDefinition) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_definition", "detail": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("failed to register schema", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register_failed"})
		return
	}
	h.logger.Info("schema registered",
		zap.String("schema_id", resolved.ID.String()),
		zap.String("name", resolved.Definition.Name),
		zap.String("admin", c.GetString(adminSubjectContextKey)))
	c.JSON(http.StatusCreated, toSchemaPayload(resolved))
}

func (h *httpHandler) handleRebuild(c *gin.Context) {
	schemaID, ok := h.schemaParam(c)
	if !ok {
		return
	}
	result, err := h.projections.Rebuild(c.Request.Context(), schemaID)
	if errors.Is(err, schema.ErrUnknownSchema) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_schema"})
		return
	}
	if err != nil {
		h.logger.Error("failed to rebuild projection", zap.String("schema_id", schemaID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rebuild_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schema": schemaID.String(), "applied": result.Applied, "failed": result.Failed})
}

type failurePayload struct {
	ID                string `json:"id"`
	EntryHash         string `json:"entryHash"`
	SchemaID          string `json:"schema,omitempty"`
	Reason            string `json:"reason"`
	Detail            string `json:"detail"`
	RecordedAtSeconds int64  `json:"recorded_at_s"`
}

func (h *httpHandler) handleFailures(c *gin.Context) {
	limit := defaultFailuresLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxFailuresLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	failures, err := h.projections.Failures(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list materialization failures", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]failurePayload, 0, len(failures))
	for _, failure := range failures {
		response = append(response, failurePayload{
			ID:                failure.FailureID,
			EntryHash:         failure.EntryHash,
			SchemaID:          failure.SchemaID,
			Reason:            failure.Reason,
			Detail:            failure.Detail,
			RecordedAtSeconds: failure.RecordedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"failures": response})
}

func (h *httpHandler) schemaParam(c *gin.Context) (bamboo.Hash, bool) {
	schemaID, err := bamboo.NewHash(c.Param("schema"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_schema"})
		return bamboo.Hash{}, false
	}
	return schemaID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}
