package asr

import (
	"fmt"
	"sync/atomic"

	"github.com/afeding/whisper-cheap/internal/onnx"
)

const (
	// decoderStateDim is the predictor hidden state width.
	decoderStateDim = 640
	// encoderDim is the encoder output width per frame.
	encoderDim = 1024
)

// DecoderConfig bounds the greedy RNNT decode loop.
type DecoderConfig struct {
	// MaxTokensPerStep caps emissions per encoder frame so a confused
	// joint network cannot loop forever on one frame.
	MaxTokensPerStep int

	// MaxConsecutiveBlanks ends the decode early after this many
	// blank-only frames in a row, skipping trailing silence.
	MaxConsecutiveBlanks int
}

// greedyDecode runs token-synchronous greedy RNNT decoding over the
// encoder output. encFrames is row-major (frames, encoderDim). The
// cancel flag is checked between frames so an abandoned transcription
// stops consuming the session.
func greedyDecode(dec onnx.Session, encFrames []float32, numFrames int, vocab *Vocabulary, cfg DecoderConfig, cancel *atomic.Bool) ([]int, error) {
	blankID := vocab.BlankID()
	vocabSize := vocab.Size()

	state1 := make([]float32, 2*decoderStateDim)
	state2 := make([]float32, 2*decoderStateDim)

	tokens := make([]int, 0, 64)
	lastToken := int32(blankID)

	consecutiveBlanks := 0

	for t := 0; t < numFrames; t++ {
		if cancel != nil && cancel.Load() {
			return tokens, fmt.Errorf("decode cancelled")
		}

		encStep := encFrames[t*encoderDim : (t+1)*encoderDim]

		emitted := 0
		for emitted < cfg.MaxTokensPerStep {
			outputs, err := dec.Run(map[string]onnx.Value{
				"encoder_outputs": onnx.FloatValue([]int64{1, encoderDim, 1}, encStep),
				"targets":         onnx.Int32Value([]int64{1, 1}, []int32{lastToken}),
				"target_length":   onnx.Int32Value([]int64{1}, []int32{1}),
				"input_states_1":  onnx.FloatValue([]int64{2, 1, decoderStateDim}, state1),
				"input_states_2":  onnx.FloatValue([]int64{2, 1, decoderStateDim}, state2),
			})
			if err != nil {
				return tokens, fmt.Errorf("joint network failed at frame %d: %w", t, err)
			}
			if len(outputs) == 0 {
				return tokens, fmt.Errorf("joint network returned no logits at frame %d", t)
			}

			// The logits tail past vocabSize belongs to the duration
			// head; argmax only over real tokens.
			token := argmax(logitsVector(outputs[0]), vocabSize)

			if token == blankID || token < 0 || token >= vocabSize {
				consecutiveBlanks++
				break
			}

			tokens = append(tokens, token)
			if len(outputs) > 2 {
				state1 = outputs[2].Floats
			}
			if len(outputs) > 3 {
				state2 = outputs[3].Floats
			}
			lastToken = int32(token)
			emitted++
			consecutiveBlanks = 0
		}

		if consecutiveBlanks >= cfg.MaxConsecutiveBlanks {
			break
		}
	}

	return tokens, nil
}

// logitsVector extracts the final logits row regardless of the
// export's output rank.
func logitsVector(v onnx.Value) []float32 {
	data := v.Floats
	if len(v.Shape) == 0 {
		return data
	}

	// The last dimension is the logit axis; everything before it is
	// batch/time of size 1 in greedy decoding.
	last := int(v.Shape[len(v.Shape)-1])
	if last <= 0 || last > len(data) {
		return data
	}
	return data[len(data)-last:]
}

func argmax(logits []float32, limit int) int {
	if limit > len(logits) {
		limit = len(logits)
	}
	if limit == 0 {
		return -1
	}

	best := 0
	bestVal := logits[0]
	for i := 1; i < limit; i++ {
		if logits[i] > bestVal {
			best = i
			bestVal = logits[i]
		}
	}
	return best
}
