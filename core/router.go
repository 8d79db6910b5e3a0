package core

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// RouterDeps are the services the HTTP layer dispatches to.
type RouterDeps struct {
	Users     *UserService
	Questions *QuestionService
	Roles     RoleRepository
	Metrics   *MetricsService
	Status    StatusSources
}

type roleRequest struct {
	Name        string           `json:"name" binding:"required"`
	Permissions []PermissionType `json:"permissions" binding:"required"`
}

type userEditRequest struct {
	Username string        `json:"username" binding:"required"`
	Password string        `json:"password" binding:"required"`
	Email    string        `json:"email" binding:"required,email"`
	Roles    []roleRequest `json:"roles" binding:"omitempty,dive"`
}

type questionRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description" binding:"required"`
	ImageURL    string `json:"image_url" binding:"required"`
	Difficulty  string `json:"difficulty" binding:"required"`
	Category    string `json:"category" binding:"required"`
}

func (r questionRequest) toQuestion() Question {
	return Question{
		Name:        r.Name,
		Description: r.Description,
		ImageURL:    r.ImageURL,
		Difficulty:  Difficulty(r.Difficulty),
		Category:    r.Category,
	}
}

// NewRouter constructs the Gin engine with routes wired.
func NewRouter(cfg Config, store *sessions.CookieStore, deps RouterDeps) *gin.Engine {
	startedAt := time.Now()
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// Global middleware: origin/CORS -> session -> CSRF -> principal
	r.Use(OriginRefererMiddleware(cfg))
	r.Use(SessionMiddleware(cfg, store))
	r.Use(CSRFMiddleware(cfg))
	r.Use(PrincipalMiddleware(deps.Users))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/auth/register", func(c *gin.Context) {
			var req struct {
				Username string `json:"username" binding:"required,min=3,max=64"`
				Password string `json:"password" binding:"required"`
				Email    string `json:"email" binding:"required,email"`
			}
			if !bindJSON(c, &req) {
				return
			}
			rec, err := deps.Users.RegisterUser(c.Request.Context(), strings.TrimSpace(req.Username), req.Password, strings.TrimSpace(req.Email))
			if err != nil {
				respondServiceError(c, err, "failed to register user")
				return
			}
			c.JSON(http.StatusCreated, gin.H{"user": rec})
		})

		api.POST("/auth/login", func(c *gin.Context) {
			var req struct {
				Username string `json:"username" binding:"required"`
				Password string `json:"password" binding:"required"`
			}
			if !bindJSON(c, &req) {
				return
			}

			user, err := deps.Users.Authenticate(c.Request.Context(), req.Username, req.Password)
			if err != nil {
				respondServiceError(c, err, "failed to authenticate")
				return
			}

			session := sessionFromContext(c)
			if session == nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "session error")
				return
			}
			// ログイン時はセッションを作り直し、CSRF トークンも入れ替える
			session.Values = map[interface{}]interface{}{sessionUserIDKey: user.ID}
			if _, err := rotateCSRFToken(cfg, c, session); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to set session")
				return
			}
			log.WithField("user_id", user.ID).Info("user logged in")
			c.JSON(http.StatusOK, gin.H{"user": user})
		})

		api.POST("/auth/logout", func(c *gin.Context) {
			sess := sessionFromContext(c)
			if sess == nil {
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "login required")
				return
			}
			if err := clearSession(cfg, c, sess); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to clear session")
				return
			}
			c.Status(http.StatusNoContent)
		})

		authed := api.Group("")
		authed.Use(RequireLogin())

		authed.GET("/users/me", func(c *gin.Context) {
			p, _ := currentPrincipal(c)
			rec, err := deps.Users.FindUserByID(c.Request.Context(), p.ID)
			if err != nil {
				respondServiceError(c, err, "failed to load user")
				return
			}
			c.JSON(http.StatusOK, gin.H{"user": rec, "permission": ResolvePermission(p)})
		})

		authed.GET("/users/:id", func(c *gin.Context) {
			id, ok := parseIDParam(c, "id")
			if !ok {
				return
			}
			p, _ := currentPrincipal(c)
			if p.ID != id && !p.Has(GrandPermission) {
				respondServiceError(c, ErrUnauthorized, "")
				return
			}
			rec, err := deps.Users.FindUserByID(c.Request.Context(), id)
			if err != nil {
				respondServiceError(c, err, "failed to load user")
				return
			}
			c.JSON(http.StatusOK, gin.H{"user": rec})
		})

		authed.PUT("/users/:id", func(c *gin.Context) {
			id, ok := parseIDParam(c, "id")
			if !ok {
				return
			}
			var req userEditRequest
			if !bindJSON(c, &req) {
				return
			}
			edit := UserEdit{
				ID:       id,
				Username: strings.TrimSpace(req.Username),
				Password: req.Password,
				Email:    strings.TrimSpace(req.Email),
			}
			if req.Roles != nil {
				edit.Roles = lo.Map(req.Roles, func(rr roleRequest, _ int) Role {
					return Role{Name: strings.TrimSpace(rr.Name), Permissions: lo.Uniq(rr.Permissions)}
				})
			}

			p, _ := currentPrincipal(c)
			res, err := deps.Users.EditUser(c.Request.Context(), p, edit)
			if err != nil {
				respondServiceError(c, err, "failed to edit user")
				return
			}
			c.JSON(http.StatusOK, gin.H{"user": res.Record, "applied": res.Applied})
		})

		quiz := api.Group("")
		quiz.Use(RequirePermission(GenerateTests))

		quiz.GET("/questions/random", func(c *gin.Context) {
			q, err := deps.Questions.RandomQuestion(c.Request.Context())
			if err != nil {
				respondServiceError(c, err, "failed to pick question")
				return
			}
			c.JSON(http.StatusOK, q)
		})

		quiz.GET("/questions/:id", func(c *gin.Context) {
			id, ok := parseIDParam(c, "id")
			if !ok {
				return
			}
			q, err := deps.Questions.GetQuestion(c.Request.Context(), id)
			if err != nil {
				respondServiceError(c, err, "failed to fetch question")
				return
			}
			c.JSON(http.StatusOK, q)
		})

		quiz.POST("/tests/generate", func(c *gin.Context) {
			var req struct {
				Count int `json:"count" binding:"required,min=1,max=50"`
			}
			if !bindJSON(c, &req) {
				return
			}
			qs, err := deps.Questions.GenerateTest(c.Request.Context(), req.Count)
			if err != nil {
				respondServiceError(c, err, "failed to generate test")
				return
			}
			c.JSON(http.StatusOK, gin.H{"questions": qs, "count": len(qs)})
		})

		admin := api.Group("/admin")
		admin.Use(RequirePermission(GrandPermission))

		admin.GET("/users", func(c *gin.Context) {
			page, perPage, err := parsePagination(c.Query("page"), c.Query("per_page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
				return
			}
			items, total, err := deps.Users.ListUsers(c.Request.Context(), page, perPage)
			if err != nil {
				respondServiceError(c, err, "failed to fetch users")
				return
			}
			c.JSON(http.StatusOK, pageResponse(items, page, perPage, total))
		})

		admin.GET("/users/by-username/:username", func(c *gin.Context) {
			rec, err := deps.Users.FindUserByUsername(c.Request.Context(), c.Param("username"))
			if err != nil {
				respondServiceError(c, err, "failed to fetch user")
				return
			}
			c.JSON(http.StatusOK, gin.H{"user": rec})
		})

		admin.GET("/roles", func(c *gin.Context) {
			page, perPage, err := parsePagination(c.Query("page"), c.Query("per_page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
				return
			}
			items, total, err := deps.Roles.List(c.Request.Context(), page, perPage)
			if err != nil {
				respondServiceError(c, err, "failed to fetch roles")
				return
			}
			c.JSON(http.StatusOK, pageResponse(items, page, perPage, total))
		})

		admin.GET("/roles/:name/users", func(c *gin.Context) {
			users, err := deps.Users.FindUsersByRole(c.Request.Context(), c.Param("name"))
			if err != nil {
				respondServiceError(c, err, "failed to fetch users")
				return
			}
			c.JSON(http.StatusOK, gin.H{"users": users})
		})

		admin.GET("/questions", func(c *gin.Context) {
			page, perPage, err := parsePagination(c.Query("page"), c.Query("per_page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
				return
			}
			items, total, err := deps.Questions.ListQuestions(c.Request.Context(), page, perPage)
			if err != nil {
				respondServiceError(c, err, "failed to fetch questions")
				return
			}
			c.JSON(http.StatusOK, pageResponse(items, page, perPage, total))
		})

		admin.POST("/questions", func(c *gin.Context) {
			var req questionRequest
			if !bindJSON(c, &req) {
				return
			}
			q, err := deps.Questions.CreateQuestion(c.Request.Context(), req.toQuestion())
			if err != nil {
				respondServiceError(c, err, "failed to create question")
				return
			}
			c.JSON(http.StatusCreated, gin.H{"message": "question is added", "question": q})
		})

		admin.PUT("/questions/:id", func(c *gin.Context) {
			id, ok := parseIDParam(c, "id")
			if !ok {
				return
			}
			var req questionRequest
			if !bindJSON(c, &req) {
				return
			}
			q, err := deps.Questions.EditQuestion(c.Request.Context(), id, req.toQuestion())
			if err != nil {
				respondServiceError(c, err, "failed to edit question")
				return
			}
			c.JSON(http.StatusOK, gin.H{"question": q})
		})

		admin.DELETE("/questions/:id", func(c *gin.Context) {
			id, ok := parseIDParam(c, "id")
			if !ok {
				return
			}
			if err := deps.Questions.DeleteQuestion(c.Request.Context(), id); err != nil {
				respondServiceError(c, err, "failed to delete question")
				return
			}
			c.Status(http.StatusNoContent)
		})

		admin.GET("/questions/template", func(c *gin.Context) {
			c.Header("Content-Disposition", "attachment; filename=questions.yaml")
			c.Data(http.StatusOK, "application/yaml", []byte(QuestionBankTemplate))
		})

		admin.POST("/questions/import", func(c *gin.Context) {
			fileHeader, err := c.FormFile("file")
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "file field with a yaml document is required")
				return
			}
			if fileHeader.Size > maxQuestionImportSize {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "file is too large (1MiB max)")
				return
			}
			file, err := fileHeader.Open()
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "cannot open upload")
				return
			}
			defer file.Close()
			data, err := io.ReadAll(io.LimitReader(file, maxQuestionImportSize+1))
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to read upload")
				return
			}

			report, err := deps.Questions.ImportQuestions(c.Request.Context(), data)
			if err != nil {
				respondServiceError(c, err, "failed to import questions")
				return
			}
			c.JSON(http.StatusCreated, report)
		})

		metrics := admin.Group("/metrics")
		{
			metrics.GET("/overview", func(c *gin.Context) {
				queueMetrics, workers, err := deps.Metrics.Overview(c.Request.Context())
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load metrics")
					return
				}
				c.JSON(http.StatusOK, gin.H{
					"queues":  queueMetrics,
					"workers": lo.Ternary(workers == nil, []WorkerHeartbeat{}, workers),
				})
			})

			metrics.GET("/queues", func(c *gin.Context) {
				queueMetrics, err := deps.Metrics.Queue(c.Request.Context())
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load queue metrics")
					return
				}
				c.JSON(http.StatusOK, queueMetrics)
			})

			metrics.GET("/workers/:id", func(c *gin.Context) {
				hb, err := deps.Metrics.WorkerByID(c.Request.Context(), c.Param("id"))
				if err != nil {
					if errors.Is(err, redis.Nil) {
						respondError(c, http.StatusNotFound, "NOT_FOUND", "worker not found")
						return
					}
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load worker")
					return
				}
				c.JSON(http.StatusOK, hb)
			})
		}

		admin.GET("/system/status", func(c *gin.Context) {
			st, err := CollectSystemStatus(c.Request.Context(), deps.Status, startedAt)
			if err != nil {
				// partial status is still useful to the dashboard
				log.WithError(err).Warn("system status incomplete")
			}
			c.JSON(http.StatusOK, st)
		})
	}

	return r
}
