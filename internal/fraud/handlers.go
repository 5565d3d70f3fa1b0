package fraud

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/traces"
)

// UploadDecoder turns an uploaded file into engine inputs. rejected holds the
// records that were skipped; err is set when the file cannot be read at all.
type UploadDecoder interface {
	DecodeUpload(filename string, data []byte) (inputs []TransactionInput, rejected []error, err error)
}

// UploadResponse is returned by the upload endpoint.
type UploadResponse struct {
	Message   string `json:"message"`
	Processed int    `json:"processed_count"`
	Flagged   int    `json:"flagged_count"`
	Skipped   int    `json:"skipped_count"`
}

// Handler provides HTTP endpoints for ingestion and flag queries.
type Handler struct {
	lanes   *Lanes
	store   Store
	decoder UploadDecoder
}

// NewHandler creates a new fraud handler.
func NewHandler(lanes *Lanes, store Store, decoder UploadDecoder) *Handler {
	return &Handler{lanes: lanes, store: store, decoder: decoder}
}

// RegisterRoutes sets up the fraud routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/upload", h.Upload)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/flagged", h.ListFlagged)
	r.GET("/stats", h.Stats)
}

// Upload handles POST /api/transactions/upload
func (h *Handler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		if tooLarge(c, err) {
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "multipart field 'file' is required",
		})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "could not open uploaded file",
		})
		return
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		if tooLarge(c, err) {
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "could not read uploaded file",
		})
		return
	}

	inputs, rejected, err := h.decoder.DecodeUpload(file.Filename, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_file",
			"message": err.Error(),
		})
		return
	}

	logger := logging.L(c.Request.Context())
	for _, rerr := range rejected {
		logger.Warn("record skipped", "file", file.Filename, "error", rerr)
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "fraud.Upload",
		traces.FileName(file.Filename),
		traces.RecordCount(len(inputs)+len(rejected)),
	)
	res := h.lanes.ProcessBatch(ctx, inputs)
	span.SetAttributes(traces.FlaggedCount(res.Flagged))
	span.End()

	logger.Info("upload processed",
		"file", file.Filename,
		"records", len(inputs)+len(rejected),
		"processed", res.Processed,
		"flagged", res.Flagged,
		"failed", res.Failed,
		"rejected", len(rejected),
	)

	c.JSON(http.StatusOK, UploadResponse{
		Message:   fmt.Sprintf("Successfully processed %d transactions", res.Processed),
		Processed: res.Processed,
		Flagged:   res.Flagged,
		Skipped:   res.Failed + len(rejected),
	})
}

// tooLarge writes a 413 when err came from the request size limit.
func tooLarge(c *gin.Context, err error) bool {
	var maxErr *http.MaxBytesError
	if !errors.As(err, &maxErr) {
		return false
	}
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error":   "file_too_large",
		"message": fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit),
	})
	return true
}

// GetTransaction handles GET /api/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.store.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, tx)
}

// ListFlagged handles GET /api/flagged
func (h *Handler) ListFlagged(c *gin.Context) {
	limit := DefaultFlaggedLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, DefaultFlaggedLimit)
		}
	}

	flags, err := h.store.ListFlagged(c.Request.Context(), c.Query("user_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if flags == nil {
		flags = []*FlaggedTransaction{}
	}

	c.JSON(http.StatusOK, flags)
}

// Stats handles GET /api/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}
