package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/copydesk/copydesk/internal/auth"
	"github.com/copydesk/copydesk/internal/collab"
	"github.com/copydesk/copydesk/internal/pages"
	"github.com/copydesk/copydesk/internal/users"
)

var (
	errMissingUserService  = errors.New("user service dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingPageStore    = errors.New("page store dependency required")
	errMissingGateway      = errors.New("collab gateway dependency required")
)

// SessionTokenManager mints the bearer tokens handed out by the login
// endpoint and validates them on authenticated requests. The collab gateway
// validates the same tokens.
type SessionTokenManager interface {
	IssueSessionToken(identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

type Dependencies struct {
	UserService  *users.Service
	TokenManager SessionTokenManager
	PageStore    *pages.Store
	Gateway      *collab.Gateway
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.UserService == nil {
		return nil, errMissingUserService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.PageStore == nil {
		return nil, errMissingPageStore
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		users:  deps.UserService,
		tokens: deps.TokenManager,
		pages:  deps.PageStore,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/login", handler.handleLogin)
	router.GET("/auth/me", handler.handleMe)
	router.GET("/api/pages", handler.handleListPages)
	router.GET("/api/pages/:slug", handler.handlePageBySlug)
	router.GET("/api/pages/:slug/history", handler.handlePageHistory)
	router.GET("/collab", deps.Gateway.Handle)

	return router, nil
}

type httpHandler struct {
	users  *users.Service
	tokens SessionTokenManager
	pages  *pages.Store
	logger *zap.Logger
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Authenticate(c.Request.Context(), request.Username, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		h.logger.Warn("login rejected", zap.String("username", request.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("login lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(account.Identity())
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type profilePayload struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (h *httpHandler) handleMe(c *gin.Context) {
	identity, err := h.tokens.ValidateToken(auth.TokenFromRequest(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	account, err := h.users.ByID(c.Request.Context(), identity.UserID)
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, profilePayload{
		ID:       account.ID,
		Username: account.Username,
		Role:     account.Role,
	})
}

type pageSummaryPayload struct {
	ID              int64      `json:"id"`
	Slug            string     `json:"slug"`
	Title           string     `json:"title"`
	LastPublishedAt *time.Time `json:"last_published_at"`
}

type pageViewPayload struct {
	ID              int64      `json:"id"`
	Slug            string     `json:"slug"`
	Title           string     `json:"title"`
	Content         string     `json:"content"`
	LastPublishedAt *time.Time `json:"last_published_at"`
}

func (h *httpHandler) handleListPages(c *gin.Context) {
	list, err := h.pages.ListPages(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list pages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := make([]pageSummaryPayload, 0, len(list))
	for _, page := range list {
		response = append(response, pageSummaryPayload{
			ID:              page.ID,
			Slug:            page.Slug,
			Title:           page.Title,
			LastPublishedAt: page.LastPublishedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pages": response})
}

func (h *httpHandler) handlePageBySlug(c *gin.Context) {
	page, err := h.pages.PageBySlug(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, pages.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load page", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, pageViewPayload{
		ID:              page.ID,
		Slug:            page.Slug,
		Title:           page.Title,
		Content:         page.PublishedContent,
		LastPublishedAt: page.LastPublishedAt,
	})
}

type revisionPayload struct {
	RevisionIndex int64     `json:"revision_index"`
	AuthorID      int64     `json:"author_id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	PublishedAt   time.Time `json:"published_at"`
}

func (h *httpHandler) handlePageHistory(c *gin.Context) {
	page, err := h.pages.PageBySlug(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, pages.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load page", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	revisions, err := h.pages.HistoryByPage(c.Request.Context(), page.ID)
	if err != nil {
		h.logger.Error("failed to load page history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	response := make([]revisionPayload, 0, len(revisions))
	for _, revision := range revisions {
		response = append(response, revisionPayload{
			RevisionIndex: revision.RevisionIndex,
			AuthorID:      revision.AuthorID,
			Title:         revision.Title,
			Content:       revision.Content,
			PublishedAt:   revision.PublishedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"revisions": response})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
