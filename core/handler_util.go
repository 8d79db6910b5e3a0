package core

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// respondError sends unified error payload {"error": {"code", "message"}}.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func abortWithError(c *gin.Context, status int, code, message string) {
	respondError(c, status, code, message)
	c.Abort()
}

// respondServiceError maps domain kinds to HTTP statuses. Anything else is logged
// and hidden behind a generic 500.
func respondServiceError(c *gin.Context, err error, fallback string) {
	kind, ok := KindOf(err)
	if !ok {
		log.WithError(err).WithField("path", c.FullPath()).Error(fallback)
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", fallback)
		return
	}
	respondError(c, statusForKind(kind), string(kind), err.Error())
}

func statusForKind(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindDuplicateContent, KindUserExists, KindEmailExists:
		return http.StatusConflict
	case KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// bindJSON binds the body and writes a 400 with per-field messages on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, string(KindValidation), validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid json"
	}
	msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return field + " is required"
		case "email":
			return field + " must be a valid email"
		case "oneof":
			return fmt.Sprintf("%s must be one of %s", field, fe.Param())
		case "min", "max":
			return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
		default:
			return field + " is invalid"
		}
	})
	return strings.Join(msgs, "; ")
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, string(KindValidation), name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

func parsePagination(pageStr, perPageStr string) (int, int, error) {
	page := 1
	perPage := defaultPerPage
	if strings.TrimSpace(pageStr) != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p <= 0 {
			return 0, 0, errors.New("page must be a positive integer")
		}
		page = p
	}
	if strings.TrimSpace(perPageStr) != "" {
		p, err := strconv.Atoi(perPageStr)
		if err != nil || p <= 0 {
			return 0, 0, errors.New("per_page must be a positive integer")
		}
		perPage = min(p, maxPerPage)
	}
	return page, perPage, nil
}

func calcTotalPages(total, perPage int) int {
	if perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

func pageResponse[T any](items []T, page, perPage, total int) gin.H {
	if items == nil {
		items = []T{}
	}
	return gin.H{
		"items":       items,
		"page":        page,
		"per_page":    perPage,
		"total_items": total,
		"total_pages": calcTotalPages(total, perPage),
	}
}
