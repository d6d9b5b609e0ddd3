package clip

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/xxxsen/common/logutil"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

func init() {
	Register("onnx", newONNXModel)
}

type onnxModel struct {
	image  *encoderSession
	text   *encoderSession
	device string
}

type encoderSession struct {
	session *ort.DynamicAdvancedSession
	input   string
	output  string
	dim     int
}

func newONNXModel(opts Options) (Model, error) {
	files := []string{opts.path(ImageEncoderFile(opts.Arch)), opts.path(TextEncoderFile(opts.Arch))}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			return nil, fmt.Errorf("model file %s: %w", file, err)
		}
	}
	if opts.LibPath != "" {
		ort.SetSharedLibraryPath(opts.LibPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("init onnxruntime: %w", err)
		}
	}

	logger := logutil.GetLogger(context.Background()).With(zap.String("arch", opts.Arch))
	m, err := loadSessions(opts, files, true)
	if err != nil {
		logger.Warn("cuda execution provider unavailable, falling back to cpu", zap.Error(err))
		m, err = loadSessions(opts, files, false)
	}
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, err
	}
	logger.Info("onnx sessions created", zap.String("device", m.device))
	return m, nil
}

func loadSessions(opts Options, files []string, useCUDA bool) (*onnxModel, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer so.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := so.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra op threads: %w", err)
		}
	}
	device := DeviceCPU
	if useCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("create cuda options: %w", err)
		}
		defer cuda.Destroy()
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
		device = DeviceCUDA
	}

	image, err := openEncoder(files[0], so, opts.Dim)
	if err != nil {
		return nil, fmt.Errorf("load image encoder: %w", err)
	}
	text, err := openEncoder(files[1], so, opts.Dim)
	if err != nil {
		_ = image.session.Destroy()
		return nil, fmt.Errorf("load text encoder: %w", err)
	}
	return &onnxModel{image: image, text: text, device: device}, nil
}

func openEncoder(path string, so *ort.SessionOptions, dim int) (*encoderSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("read graph io: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("unexpected graph io: %d inputs, %d outputs", len(inputs), len(outputs))
	}
	out := outputs[0]
	if n := len(out.Dimensions); n > 0 {
		if last := out.Dimensions[n-1]; last > 0 && int(last) != dim {
			return nil, fmt.Errorf("incompatible architecture: output %s has dimension %d, want %d", out.Name, last, dim)
		}
	}
	session, err := ort.NewDynamicAdvancedSession(path, []string{inputs[0].Name}, []string{out.Name}, so)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &encoderSession{session: session, input: inputs[0].Name, output: out.Name, dim: dim}, nil
}

func (s *encoderSession) run(input ort.Value) ([]float32, error) {
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(s.dim)))
	if err != nil {
		return nil, fmt.Errorf("allocate output: %w", err)
	}
	defer output.Destroy()
	if err := s.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("run %s: %w", s.output, err)
	}
	data := output.GetData()
	res := make([]float32, len(data))
	copy(res, data)
	return res, nil
}

func (m *onnxModel) EncodeImage(ctx context.Context, pixels *ImageTensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input, err := ort.NewTensor(ort.NewShape(pixels.Shape()...), pixels.Data)
	if err != nil {
		return nil, fmt.Errorf("create image tensor: %w", err)
	}
	defer input.Destroy()
	return m.image.run(input)
}

func (m *onnxModel) EncodeText(ctx context.Context, tokens []int64) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input, err := ort.NewTensor(ort.NewShape(1, int64(len(tokens))), tokens)
	if err != nil {
		return nil, fmt.Errorf("create text tensor: %w", err)
	}
	defer input.Destroy()
	return m.text.run(input)
}

func (m *onnxModel) Device() string {
	return m.device
}

func (m *onnxModel) Close() error {
	var errs []error
	for _, s := range []*encoderSession{m.image, m.text} {
		if s == nil {
			continue
		}
		if err := s.session.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ort.DestroyEnvironment(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
