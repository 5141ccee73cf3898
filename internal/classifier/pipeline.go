// Package classifier runs an uploaded image through the Normal/Abnormal model.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/normscan/internal/cache"
	"github.com/Brownie44l1/normscan/internal/logging"
	"github.com/Brownie44l1/normscan/internal/metrics"
	"github.com/Brownie44l1/normscan/internal/model"
	"github.com/Brownie44l1/normscan/internal/vision"
)

// Predictor is the loaded model. *model.Server satisfies it.
type Predictor interface {
	Predict(ctx context.Context, input []float32) (float32, error)
}

// TensorLoader turns an image file into model input.
type TensorLoader func(path string, size int) ([]float32, error)

// Result is the outcome of one prediction.
type Result struct {
	Label  model.Label `json:"label"`
	Score  float32     `json:"score"`
	Cached bool        `json:"-"`
}

// Pipeline decodes, resizes and normalises an image, then asks the Predictor
// for a score and maps it to a Label.
type Pipeline struct {
	predictor Predictor
	load      TensorLoader
	imageSize int
	cache     cache.Cache
	cacheTTL  time.Duration
	modelID   string
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type Option func(*Pipeline)

// WithCache memoises results by image digest.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.cache = c
		p.cacheTTL = ttl
	}
}

// WithModelID scopes cache entries to one model artifact, so a shared cache
// never serves labels produced by a different model.
func WithModelID(id string) Option {
	return func(p *Pipeline) { p.modelID = id }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTensorLoader replaces the image preprocessing step.
func WithTensorLoader(load TensorLoader) Option {
	return func(p *Pipeline) { p.load = load }
}

func New(predictor Predictor, imageSize int, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		predictor: predictor,
		load:      vision.LoadTensor,
		imageSize: imageSize,
		logger:    logger.Named("classifier"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PredictFile classifies the image stored at path.
func (p *Pipeline) PredictFile(ctx context.Context, path string) (*Result, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(p.logger, "classifier.predict_file", requestID)

	key := p.cacheKey(path, opLogger)
	if key != "" {
		if res, ok := p.lookup(ctx, key, opLogger); ok {
			p.metrics.ObserveCacheHit()
			p.metrics.ObservePrediction(string(res.Label))
			return res, nil
		}
	}

	tensor, err := p.load(path, p.imageSize)
	if err != nil {
		p.fail(opLogger, "decode", requestID, err)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		p.fail(opLogger, "inference", requestID, err)
		return nil, err
	}

	start := time.Now()
	score, err := p.predictor.Predict(ctx, tensor)
	p.metrics.ObserveInference(time.Since(start))
	if err != nil {
		p.fail(opLogger, "inference", requestID, err)
		return nil, err
	}

	res := &Result{Label: model.LabelFor(score), Score: score}
	p.metrics.ObservePrediction(string(res.Label))
	opLogger.Info("prediction complete",
		zap.String("label", string(res.Label)),
		zap.Float32("score", score),
		zap.Duration("inference", time.Since(start)),
	)

	if key != "" {
		p.store(ctx, key, res, opLogger)
	}
	return res, nil
}

func (p *Pipeline) fail(logger *zap.Logger, stage, requestID string, err error) {
	p.metrics.ObservePredictionError(stage)
	wrapped := logging.NewOperationError("classifier."+stage, requestID, err)
	logger.Warn("prediction failed", zap.String("stage", stage), zap.Error(wrapped))
}

// cacheKey hashes the file contents. It returns "" when caching is off or the
// file cannot be read; the decode step reports unreadable files.
func (p *Pipeline) cacheKey(path string, logger *zap.Logger) string {
	if p.cache == nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Debug("skipping cache, file unreadable", zap.Error(err))
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("prediction:%s:%d:%s", p.modelID, p.imageSize, hex.EncodeToString(sum[:]))
}

func (p *Pipeline) lookup(ctx context.Context, key string, logger *zap.Logger) (*Result, bool) {
	raw, err := p.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Warn("failed to read prediction cache", zap.Error(err))
		}
		return nil, false
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		logger.Warn("failed to decode cached prediction", zap.Error(err))
		return nil, false
	}
	if res.Label != model.LabelFor(res.Score) {
		logger.Warn("discarding inconsistent cached prediction", zap.String("label", string(res.Label)))
		return nil, false
	}
	res.Cached = true
	return &res, true
}

func (p *Pipeline) store(ctx context.Context, key string, res *Result, logger *zap.Logger) {
	serialized, err := json.Marshal(res)
	if err != nil {
		logger.Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	if err := p.cache.Set(ctx, key, string(serialized), p.cacheTTL); err != nil {
		logger.Warn("failed to cache prediction", zap.Error(err))
	}
}
