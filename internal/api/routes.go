package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/flowgate/internal/conversation"
	"github.com/zulandar/flowgate/internal/db"
	"github.com/zulandar/flowgate/internal/evolution"
	"github.com/zulandar/flowgate/internal/lifecycle"
	"github.com/zulandar/flowgate/internal/logger"
	"github.com/zulandar/flowgate/internal/n8n"
	"go.uber.org/zap"
)

const defaultLogLimit = 100

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, d *Deps) {
	// Webhooks.
	router.POST("/webhook/evolution", handleEvolution(d))
	router.POST("/webhook/checkpoint", handleCheckpoint(d))

	// Monitoring.
	router.GET("/status", handleStatus(d))
	router.GET("/conversations", handleConversations(d))
	router.GET("/logs", handleLogs(d))
	router.GET("/health", handleHealth(d))
	router.GET("/", handleIndex(d))
}

func internalError(c *gin.Context, where string, err error) {
	logger.Error(where, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
}

func handleEvolution(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var wh evolution.Webhook
		if err := c.ShouldBindJSON(&wh); err != nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "invalid payload"})
			return
		}

		// The gateway hanging up must not abort a half-applied message.
		ctx := context.WithoutCancel(c.Request.Context())
		res, err := d.Controller.HandleInbound(ctx, wh.Inbound())
		if err != nil {
			internalError(c, "evolution webhook failed", err)
			return
		}

		switch res.Outcome {
		case lifecycle.OutcomeIgnored:
			msg := "invalid payload"
			if res.Reason == evolution.SkipGroup {
				msg = "ignored"
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "message": msg, "reason": res.Reason})
		case lifecycle.OutcomeNoCapacity:
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "no instances available"})
		default:
			c.JSON(http.StatusOK, gin.H{
				"success":       true,
				"message":       "webhook processed",
				"client_number": res.Number,
				"status":        res.Status,
			})
		}
	}
}

func handleCheckpoint(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cp lifecycle.Checkpoint
		if err := c.ShouldBindJSON(&cp); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body"})
			return
		}

		ctx := context.WithoutCancel(c.Request.Context())
		res, err := d.Controller.HandleCheckpoint(ctx, cp)
		switch {
		case errors.Is(err, lifecycle.ErrInvalidCheckpoint):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "phone_number and action are required"})
			return
		case errors.Is(err, lifecycle.ErrInvalidAction):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid action"})
			return
		case errors.Is(err, conversation.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
			return
		case err != nil:
			internalError(c, "checkpoint failed", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":         true,
			"action":          res.Action,
			"phone_number":    res.PhoneNumber,
			"step":            res.Step,
			"status":          res.Status,
			"conversation_id": res.ConversationID,
			"message_sent":    res.MessageSent,
		})
	}
}

// dbStatus is the liveness probe result.
type dbStatus struct {
	Success   bool      `json:"success"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func probe(c *gin.Context, d *Deps) dbStatus {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	at, err := db.Ping(ctx, d.DB)
	if err != nil {
		return dbStatus{Error: err.Error()}
	}
	return dbStatus{Success: true, Timestamp: &at}
}

func handleStatus(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		counts, err := d.Store.Counts(ctx)
		if err != nil {
			internalError(c, "status counts failed", err)
			return
		}
		instances, err := d.Pool.Snapshot(ctx)
		if err != nil {
			internalError(c, "status instances failed", err)
			return
		}
		stats := d.Controller.Stats()
		now := time.Now()

		c.JSON(http.StatusOK, gin.H{
			"system_status":      "online",
			"version":            d.Version,
			"timestamp":          now.UTC(),
			"local_time":         n8n.FormatLocal(now, d.Location),
			"uptime":             stats.Uptime().Seconds(),
			"database":           probe(c, d),
			"conversation_stats": counts,
			"instance_stats":     instances,
			"system_stats":       stats.Snapshot(),
			"n8n_webhook_url":    d.N8NURL,
			"evolution_api_url":  d.EvolutionURL,
		})
	}
}

func handleConversations(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		waiting, err := d.Store.ListWaiting(ctx)
		if err != nil {
			internalError(c, "list waiting failed", err)
			return
		}
		counts, err := d.Store.Counts(ctx)
		if err != nil {
			internalError(c, "conversation counts failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"waiting_response": waiting,
			"stats":            counts,
			"local_time":       n8n.FormatLocal(time.Now(), d.Location),
		})
	}
}

func handleLogs(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultLogLimit
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"logs":       d.Logs.Tail(limit),
			"total":      d.Logs.Len(),
			"local_time": n8n.FormatLocal(time.Now(), d.Location),
		})
	}
}

func handleHealth(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := "connected"
		if !probe(c, d).Success {
			state = "disconnected"
		}
		now := time.Now()
		c.JSON(http.StatusOK, gin.H{
			"status":     "online",
			"database":   state,
			"timestamp":  now.UTC(),
			"local_time": n8n.FormatLocal(now, d.Location),
		})
	}
}

func handleIndex(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html", gin.H{
			"version":   d.Version,
			"localTime": n8n.FormatLocal(time.Now(), d.Location),
			"n8nURL":    d.N8NURL,
		})
	}
}
