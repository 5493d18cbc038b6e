// tflite.go: TensorFlow Lite backend for exported YOLO-style detection models
package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"
	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/quietobserver/quietobserver-go/internal/conf"
	"github.com/quietobserver/quietobserver-go/internal/datastore"
	"github.com/quietobserver/quietobserver-go/internal/logging"
)

// tfliteBackend runs an exported detection model through a TFLite
// interpreter. The interpreter is not safe for concurrent invocation, so
// Predict serializes on a mutex.
type tfliteBackend struct {
	mu          sync.Mutex
	model       *tflite.Model
	interpreter *tflite.Interpreter
	labels      map[int]string
	inputSize   int
}

// loadTFLiteBackend is the default BackendLoader: it reads the weights
// artifact from the model version's path and builds an interpreter the same
// way every tick-driven caller expects: once, cached until version change.
func loadTFLiteBackend(mv *datastore.ModelVersion, settings conf.DetectorSettings) (Backend, error) {
	modelData, err := os.ReadFile(mv.WeightsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, mv.WeightsPath)
		}
		return nil, fmt.Errorf("reading weights artifact: %w", err)
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model from %s", mv.WeightsPath)
	}

	threads := settings.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	options := tflite.NewInterpreterOptions()
	log := logging.ForService("detector")
	if settings.UseXNNPACK {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))})
		if delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
		}
	} else {
		options.SetNumThread(threads)
	}

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		model.Delete()
		return nil, fmt.Errorf("tensor allocation failed")
	}

	return &tfliteBackend{
		model:       model,
		interpreter: interpreter,
		labels:      parseClassMap(mv.ClassMapJSON),
		inputSize:   settings.InputSize,
	}, nil
}

// parseClassMap decodes the model version's class map, a JSON object keyed
// by class index. Unknown indices fall back to the index itself.
func parseClassMap(classMapJSON string) map[int]string {
	labels := make(map[int]string)
	if classMapJSON == "" {
		return labels
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(classMapJSON), &raw); err != nil {
		return labels
	}
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		labels[idx] = v
	}
	return labels
}

func (b *tfliteBackend) className(idx int) string {
	if name, ok := b.labels[idx]; ok {
		return name
	}
	return strconv.Itoa(idx)
}

// Predict decodes the image, resizes it to the model input resolution, runs
// the interpreter and decodes the output tensor into pixel-space corner
// boxes relative to the original image resolution.
func (b *tfliteBackend) Predict(imagePath string) ([]RawBox, int, int, error) {
	img, err := imaging.Open(imagePath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decoding image %s: %w", imagePath, err)
	}
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()

	resized := imaging.Resize(img, b.inputSize, b.inputSize, imaging.Linear)

	b.mu.Lock()
	defer b.mu.Unlock()

	// A cancelled caller abandons its Predict before this lock; Close may
	// have released the interpreter in the meantime.
	if b.interpreter == nil {
		return nil, 0, 0, fmt.Errorf("backend closed while predict was pending")
	}

	input := b.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, 0, 0, fmt.Errorf("model has no input tensor")
	}
	pixels := input.Float32s()
	if len(pixels) < b.inputSize*b.inputSize*3 {
		return nil, 0, 0, fmt.Errorf("unexpected input tensor size %d", len(pixels))
	}
	for y := 0; y < b.inputSize; y++ {
		for x := 0; x < b.inputSize; x++ {
			r, g, bl, _ := resized.At(x, y).RGBA()
			base := (y*b.inputSize + x) * 3
			pixels[base+0] = float32(r>>8) / 255.0
			pixels[base+1] = float32(g>>8) / 255.0
			pixels[base+2] = float32(bl>>8) / 255.0
		}
	}

	if status := b.interpreter.Invoke(); status != tflite.OK {
		return nil, 0, 0, fmt.Errorf("tensor invoke failed")
	}

	output := b.interpreter.GetOutputTensor(0)
	if output == nil {
		return nil, 0, 0, fmt.Errorf("model has no output tensor")
	}

	boxes := b.decodeOutput(output.Float32s(), outputShape(output), origW, origH)
	return boxes, origW, origH, nil
}

func outputShape(t *tflite.Tensor) []int {
	shape := make([]int, t.NumDims())
	for i := range shape {
		shape[i] = t.Dim(i)
	}
	return shape
}

// decodeOutput turns the raw output tensor into pixel-space corner boxes.
// Exported YOLO detection models emit [1, 4+numClasses, numCandidates] with
// normalized center-form box coordinates followed by per-class scores.
func (b *tfliteBackend) decodeOutput(data []float32, shape []int, origW, origH int) []RawBox {
	if len(shape) != 3 || shape[0] != 1 || shape[1] < 5 {
		return nil
	}
	attrs, candidates := shape[1], shape[2]
	numClasses := attrs - 4
	if len(data) < attrs*candidates {
		return nil
	}

	at := func(attr, candidate int) float32 {
		return data[attr*candidates+candidate]
	}

	var boxes []RawBox
	for c := 0; c < candidates; c++ {
		bestClass := 0
		bestScore := float32(0)
		for cls := 0; cls < numClasses; cls++ {
			if score := at(4+cls, c); score > bestScore {
				bestScore = score
				bestClass = cls
			}
		}
		// Candidate grids are mostly background; skip near-zero scores
		// before the configurable confidence floor is applied upstream.
		if bestScore < 0.01 {
			continue
		}

		cx := float64(at(0, c)) * float64(origW)
		cy := float64(at(1, c)) * float64(origH)
		w := float64(at(2, c)) * float64(origW)
		h := float64(at(3, c)) * float64(origH)

		boxes = append(boxes, RawBox{
			ClassName:  b.className(bestClass),
			Confidence: float64(bestScore),
			X1:         cx - w/2,
			Y1:         cy - h/2,
			X2:         cx + w/2,
			Y2:         cy + h/2,
		})
	}
	return boxes
}

// Close releases the interpreter and model.
func (b *tfliteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interpreter != nil {
		b.interpreter.Delete()
		b.interpreter = nil
	}
	if b.model != nil {
		b.model.Delete()
		b.model = nil
	}
	return nil
}
