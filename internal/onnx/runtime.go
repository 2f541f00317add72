package onnx

import (
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// RuntimeConfig controls environment initialization and execution
// provider selection.
type RuntimeConfig struct {
	// LibraryPath points at the onnxruntime shared library. Empty
	// leaves the default platform lookup in place.
	LibraryPath string

	// Provider is "auto", "cpu", "cuda" or "tensorrt". "auto" tries
	// CUDA and falls back to CPU.
	Provider string

	// FallbackToCPU retries session creation on CPU when the requested
	// accelerated provider is unavailable.
	FallbackToCPU bool
}

// Runtime owns the ONNX Runtime environment and opens sessions with
// the configured execution provider.
type Runtime struct {
	cfg    RuntimeConfig
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewRuntime initializes the ONNX Runtime environment.
func NewRuntime(cfg RuntimeConfig, logger *slog.Logger) (*Runtime, error) {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		initialized: true,
	}, nil
}

// Close tears down the ONNX Runtime environment. Open sessions must be
// closed first.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return nil
	}
	r.initialized = false

	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("failed to destroy onnxruntime environment: %w", err)
	}
	return nil
}

// OpenSession loads the model at path using the configured provider.
// When the accelerated provider cannot be used and fallback is
// enabled, the session is retried on CPU.
func (r *Runtime) OpenSession(path string) (Session, error) {
	providers := resolveProviders(r.cfg.Provider, r.cfg.FallbackToCPU)

	var lastErr error
	for _, provider := range providers {
		session, err := r.openWithProvider(path, provider)
		if err == nil {
			r.logger.Info("ONNX session opened", "model", path, "provider", provider)
			return session, nil
		}
		lastErr = err
		r.logger.Warn("Failed to open ONNX session with provider",
			"model", path,
			"provider", provider,
			"error", err)
	}

	return nil, fmt.Errorf("failed to open session for %s: %w", path, lastErr)
}

// resolveProviders maps a provider preference to the ordered list of
// providers to attempt.
func resolveProviders(preference string, fallback bool) []string {
	switch preference {
	case "cpu", "":
		return []string{"cpu"}
	case "auto":
		return []string{"cuda", "cpu"}
	case "cuda":
		if fallback {
			return []string{"cuda", "cpu"}
		}
		return []string{"cuda"}
	case "tensorrt":
		if fallback {
			return []string{"tensorrt", "cuda", "cpu"}
		}
		return []string{"tensorrt"}
	default:
		return []string{"cpu"}
	}
}

func (r *Runtime) openWithProvider(path, provider string) (Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	switch provider {
	case "cuda":
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("cuda provider unavailable: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("failed to enable cuda provider: %w", err)
		}
	case "tensorrt":
		trtOpts, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("tensorrt provider unavailable: %w", err)
		}
		defer trtOpts.Destroy()
		if err := options.AppendExecutionProviderTensorRT(trtOpts); err != nil {
			return nil, fmt.Errorf("failed to enable tensorrt provider: %w", err)
		}
	case "cpu":
		// Default provider, nothing to append.
	default:
		return nil, fmt.Errorf("unknown provider '%s'", provider)
	}

	inputNames := make([]string, len(inputs))
	inputInfos := make([]IOInfo, len(inputs))
	for i, in := range inputs {
		inputNames[i] = in.Name
		inputInfos[i] = IOInfo{Name: in.Name, Shape: append([]int64(nil), in.Dimensions...)}
	}

	outputNames := make([]string, len(outputs))
	outputInfos := make([]IOInfo, len(outputs))
	for i, out := range outputs {
		outputNames[i] = out.Name
		outputInfos[i] = IOInfo{Name: out.Name, Shape: append([]int64(nil), out.Dimensions...)}
	}

	session, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &ortSession{
		session:     session,
		provider:    provider,
		inputNames:  inputNames,
		inputInfos:  inputInfos,
		outputInfos: outputInfos,
	}, nil
}

// ortSession adapts a DynamicAdvancedSession to the Session interface.
type ortSession struct {
	session     *ort.DynamicAdvancedSession
	provider    string
	inputNames  []string
	inputInfos  []IOInfo
	outputInfos []IOInfo

	mu sync.Mutex
}

func (s *ortSession) Inputs() []IOInfo  { return s.inputInfos }
func (s *ortSession) Outputs() []IOInfo { return s.outputInfos }

// Run executes the model. Inputs are keyed by tensor name and passed
// in the model's declared order; outputs are allocated by the runtime
// and copied out.
func (s *ortSession) Run(inputs map[string]Value) ([]Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ortInputs := make([]ort.Value, len(s.inputNames))
	defer func() {
		for _, v := range ortInputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for i, name := range s.inputNames {
		value, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor '%s'", name)
		}

		tensor, err := toOrtTensor(value)
		if err != nil {
			return nil, fmt.Errorf("input '%s': %w", name, err)
		}
		ortInputs[i] = tensor
	}

	ortOutputs := make([]ort.Value, len(s.outputInfos))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, v := range ortOutputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	results := make([]Value, len(ortOutputs))
	for i, out := range ortOutputs {
		value, err := fromOrtValue(out)
		if err != nil {
			return nil, fmt.Errorf("output '%s': %w", s.outputInfos[i].Name, err)
		}
		results[i] = value
	}

	return results, nil
}

func (s *ortSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

func toOrtTensor(v Value) (ort.Value, error) {
	shape := ort.NewShape(v.Shape...)
	switch v.DType {
	case Float32:
		return ort.NewTensor(shape, v.Floats)
	case Int32:
		return ort.NewTensor(shape, v.Int32s)
	case Int64:
		return ort.NewTensor(shape, v.Int64s)
	default:
		return nil, fmt.Errorf("unsupported dtype %s", v.DType)
	}
}

func fromOrtValue(v ort.Value) (Value, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		shape := append([]int64(nil), t.GetShape()...)
		data := append([]float32(nil), t.GetData()...)
		return Value{DType: Float32, Shape: shape, Floats: data}, nil
	case *ort.Tensor[int32]:
		shape := append([]int64(nil), t.GetShape()...)
		data := append([]int32(nil), t.GetData()...)
		return Value{DType: Int32, Shape: shape, Int32s: data}, nil
	case *ort.Tensor[int64]:
		shape := append([]int64(nil), t.GetShape()...)
		data := append([]int64(nil), t.GetData()...)
		return Value{DType: Int64, Shape: shape, Int64s: data}, nil
	default:
		return Value{}, fmt.Errorf("unsupported output tensor type %T", v)
	}
}
