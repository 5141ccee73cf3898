package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/normscan/internal/classifier"
	"github.com/Brownie44l1/normscan/internal/logging"
	"github.com/Brownie44l1/normscan/internal/upload"
)

// Messages rendered in place of a prediction.
const (
	MsgNoFilePart      = "No file part in the request."
	MsgNoSelectedFile  = "No selected file."
	MsgPredictionError = "Error during prediction: %v"
	MsgSaveFailed      = "Could not save the uploaded file."
)

// Classifier runs the inference pipeline on a stored image.
type Classifier interface {
	PredictFile(ctx context.Context, path string) (*classifier.Result, error)
}

type Handler struct {
	classifier Classifier
	store      *upload.Store
	logger     *zap.Logger
}

func NewHandler(c Classifier, store *upload.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		classifier: c,
		store:      store,
		logger:     logger.Named("handlers"),
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Index serves the upload form on GET and classifies the uploaded file on POST.
func (h *Handler) Index(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		render(c, http.StatusOK, "", "")
		return
	}

	opLogger := logging.WithOperation(h.logger, "handlers.index", requestID(c))

	file, err := c.FormFile("file")
	if err != nil {
		if emptyFilenameSubmitted(c.Request) {
			render(c, http.StatusOK, MsgNoSelectedFile, "")
			return
		}
		if !errors.Is(err, http.ErrMissingFile) {
			opLogger.Debug("multipart form unavailable", zap.Error(err))
		}
		render(c, http.StatusOK, MsgNoFilePart, "")
		return
	}
	if file.Filename == "" {
		render(c, http.StatusOK, MsgNoSelectedFile, "")
		return
	}

	saved, err := h.store.Save(file)
	if err != nil {
		opLogger.Error("failed to save upload", zap.Error(logging.NewOperationError("upload.save", requestID(c), err)))
		render(c, http.StatusInternalServerError, MsgSaveFailed, "")
		return
	}

	opLogger.Info("received file",
		zap.String("filename", saved.Name),
		zap.Int64("size", file.Size),
	)

	ctx := logging.ContextWithRequestID(c.Request.Context(), requestID(c))
	result, err := h.classifier.PredictFile(ctx, saved.Path)
	if err != nil {
		render(c, http.StatusOK, fmt.Sprintf(MsgPredictionError, err), saved.ImagePath)
		return
	}

	render(c, http.StatusOK, string(result.Label), saved.ImagePath)
}

func render(c *gin.Context, status int, prediction, imagePath string) {
	data := gin.H{}
	if prediction != "" {
		data["prediction"] = prediction
	}
	if imagePath != "" {
		data["image_path"] = imagePath
	}
	c.HTML(status, "index.html", data)
}

// emptyFilenameSubmitted reports whether the "file" field was sent without a
// filename. mime/multipart files such parts under Value rather than File.
func emptyFilenameSubmitted(r *http.Request) bool {
	if r.MultipartForm == nil {
		return false
	}
	_, ok := r.MultipartForm.Value["file"]
	return ok
}
