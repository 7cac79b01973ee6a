package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/cookstove-credits/internal/auth"
	"github.com/example/cookstove-credits/internal/repository"
	"github.com/example/cookstove-credits/internal/usecase"
)

type submitRequest struct {
	ImageURL       string `json:"image_url"`
	Location       string `json:"location"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, pipeline *usecase.VerificationPipeline, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/", authMiddleware)

	authed.POST("/submissions", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.ImageURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image_url is required"})
			return
		}
		if parsed, err := url.Parse(req.ImageURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image_url must be an absolute URL"})
			return
		}

		sub, err := pipeline.SubmitVerification(c.Request.Context(), usecase.SubmissionInput{
			UserID:         userID,
			ImageURL:       req.ImageURL,
			Location:       req.Location,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save submission, please retry"})
			return
		}

		c.JSON(http.StatusCreated, submissionResponse(sub))
	})

	authed.GET("/submissions", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		subs, err := pipeline.ListSubmissions(c.Request.Context(), userID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list submissions"})
			return
		}

		items := make([]gin.H, 0, len(subs))
		for _, sub := range subs {
			items = append(items, submissionResponse(sub))
		}
		c.JSON(http.StatusOK, gin.H{"submissions": items})
	})

	authed.GET("/submissions/:id", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		requestID := c.Param("id")
		sub, err := pipeline.GetSubmission(c.Request.Context(), userID, requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
			return
		}

		c.JSON(http.StatusOK, submissionResponse(sub))
	})

	authed.POST("/submissions/:id/confirm", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		requestID := c.Param("id")
		sub, err := pipeline.ConfirmSubmission(c.Request.Context(), userID, requestID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no pending submission to confirm"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to confirm submission"})
			return
		}

		c.JSON(http.StatusOK, submissionResponse(sub))
	})

	authed.GET("/impact/summary", func(c *gin.Context) {
		summary, err := pipeline.GetImpactSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate impact"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func submissionResponse(sub *repository.Submission) gin.H {
	return gin.H{
		"id":               sub.RequestID,
		"image_url":        sub.ImageURL,
		"cookstove_type":   sub.CookstoveType,
		"confidence":       sub.Confidence,
		"co2_prevented":    sub.CO2Prevented,
		"credits_earned":   sub.CreditsEarned,
		"verified":         sub.Verified,
		"fallback":         sub.Fallback,
		"transaction_hash": sub.TransactionHash,
		"status":           sub.Status,
		"location":         sub.Location,
		"created_at":       sub.CreatedAt,
	}
}
