package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Server owns the ONNX Runtime session. It is loaded once and never reloaded;
// Predict may be called from concurrent requests.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// Option configures NewServer.
type Option func(*serverOptions)

type serverOptions struct {
	sharedLibraryPath string
}

// WithSharedLibrary points ONNX Runtime at a specific libonnxruntime.
func WithSharedLibrary(path string) Option {
	return func(o *serverOptions) { o.sharedLibraryPath = path }
}

func NewServer(modelPath string, metadata Metadata, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := metadata.validate(); err != nil {
		return nil, err
	}

	if o.sharedLibraryPath != "" {
		ort.SetSharedLibraryPath(o.sharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	if metadata.InputName == "" || metadata.OutputName == "" {
		inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
		if err != nil {
			ort.DestroyEnvironment()
			return nil, fmt.Errorf("failed to inspect model: %w", err)
		}
		if len(inputs) == 0 || len(outputs) == 0 {
			ort.DestroyEnvironment()
			return nil, errors.New("model declares no inputs or outputs")
		}
		if metadata.InputName == "" {
			metadata.InputName = inputs[0].Name
		}
		if metadata.OutputName == "" {
			metadata.OutputName = outputs[0].Name
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict runs one inference and returns the score at batch 0, output 0.
func (s *Server) Predict(ctx context.Context, inputData []float32) (float32, error) {
	if want := s.Metadata.InputSize(); len(inputData) != want {
		return 0, fmt.Errorf("expected %d input values, got %d", want, len(inputData))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), inputData)
	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	outputData := s.outputTensor.GetData()
	if len(outputData) == 0 {
		return 0, errors.New("model produced no output")
	}
	return outputData[0], nil
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	ort.DestroyEnvironment()
}
