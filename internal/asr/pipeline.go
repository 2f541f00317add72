package asr

import (
	"fmt"
	"sync/atomic"

	"github.com/afeding/whisper-cheap/internal/onnx"
)

// pipeline holds the three loaded Parakeet sessions and runs one
// utterance through preprocessor, encoder and greedy decode. Sessions
// are not safe for concurrent use; the engine serializes access.
type pipeline struct {
	preprocessor onnx.Session // nemo128.onnx: waveform -> features
	encoder      onnx.Session // encoder-model.int8.onnx
	decoderJoint onnx.Session // decoder_joint-model.int8.onnx
	vocab        *Vocabulary
	decoderCfg   DecoderConfig
}

func (p *pipeline) close() {
	if p.preprocessor != nil {
		p.preprocessor.Close()
	}
	if p.encoder != nil {
		p.encoder.Close()
	}
	if p.decoderJoint != nil {
		p.decoderJoint.Close()
	}
}

// transcribe runs one padded utterance end to end.
func (p *pipeline) transcribe(audio []float32, cancel *atomic.Bool) (string, []int, error) {
	feats, featsLen, err := p.runPreprocessor(audio)
	if err != nil {
		return "", nil, err
	}

	encFrames, numFrames, err := p.runEncoder(feats, featsLen)
	if err != nil {
		return "", nil, err
	}

	tokens, err := greedyDecode(p.decoderJoint, encFrames, numFrames, p.vocab, p.decoderCfg, cancel)
	if err != nil {
		return "", nil, err
	}

	return p.vocab.Detokenize(tokens), tokens, nil
}

// runPreprocessor converts the waveform into model features, shape
// (1, melDim, T).
func (p *pipeline) runPreprocessor(audio []float32) (onnx.Value, onnx.Value, error) {
	outputs, err := p.preprocessor.Run(map[string]onnx.Value{
		"waveforms":      onnx.FloatValue([]int64{1, int64(len(audio))}, audio),
		"waveforms_lens": onnx.Int64Value([]int64{1}, []int64{int64(len(audio))}),
	})
	if err != nil {
		return onnx.Value{}, onnx.Value{}, fmt.Errorf("preprocessor failed: %w", err)
	}
	if len(outputs) == 0 {
		return onnx.Value{}, onnx.Value{}, fmt.Errorf("preprocessor returned no features")
	}

	feats := outputs[0]

	var featsLen onnx.Value
	if len(outputs) > 1 {
		featsLen = outputs[1]
	} else {
		t := feats.Shape[len(feats.Shape)-1]
		featsLen = onnx.Int64Value([]int64{1}, []int64{t})
	}

	return feats, featsLen, nil
}

// runEncoder runs the acoustic encoder in a single pass and returns
// its output transposed to row-major (frames, encoderDim).
func (p *pipeline) runEncoder(feats, featsLen onnx.Value) ([]float32, int, error) {
	outputs, err := p.encoder.Run(map[string]onnx.Value{
		"audio_signal": feats,
		"length":       featsLen,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encoder failed: %w", err)
	}
	if len(outputs) == 0 {
		return nil, 0, fmt.Errorf("encoder returned no output")
	}

	enc := outputs[0]
	if len(enc.Shape) != 3 {
		return nil, 0, fmt.Errorf("unexpected encoder output rank %d", len(enc.Shape))
	}

	// enc is (1, encoderDim, T); the decode loop wants (T, encoderDim).
	dim := int(enc.Shape[1])
	frames := int(enc.Shape[2])

	if dim != encoderDim {
		return nil, 0, fmt.Errorf("unexpected encoder dimension %d", dim)
	}

	// The valid frame count can be shorter than the padded tensor.
	validFrames := frames
	if len(outputs) > 1 {
		switch outputs[1].DType {
		case onnx.Int64:
			if len(outputs[1].Int64s) > 0 {
				validFrames = int(outputs[1].Int64s[0])
			}
		case onnx.Int32:
			if len(outputs[1].Int32s) > 0 {
				validFrames = int(outputs[1].Int32s[0])
			}
		}
	}
	if validFrames > frames {
		validFrames = frames
	}

	transposed := make([]float32, validFrames*dim)
	for t := 0; t < validFrames; t++ {
		for d := 0; d < dim; d++ {
			transposed[t*dim+d] = enc.Floats[d*frames+t]
		}
	}

	return transposed, validFrames, nil
}
