package asr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/afeding/whisper-cheap/internal/onnx"
)

const (
	// SampleRate is the only rate the Parakeet pipeline accepts.
	SampleRate = 16000

	// minAudioSeconds is the model's minimum input length; shorter
	// audio is zero-padded up to it.
	minAudioSeconds = 1.25

	melNFFT      = 400
	melHopLength = 160
	melWinLength = 400
	melBands     = 80
	melFMin      = 20.0
	melFMax      = 8000.0
	melTopDB     = 80.0
	melAmin      = 1e-10
)

// PadAudio zero-pads audio to the model's minimum input length.
func PadAudio(audio []float32) []float32 {
	minLen := int(minAudioSeconds * SampleRate)
	if len(audio) >= minLen {
		return audio
	}
	padded := make([]float32, minLen)
	copy(padded, audio)
	return padded
}

// NormalizeAudio scales audio down to peak 1.0 when it clips. Audio
// already within range is returned untouched, preserving its level.
func NormalizeAudio(audio []float32) []float32 {
	var peak float32
	for _, v := range audio {
		if a := float32(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}
	if peak <= 1.0 || peak <= 1e-6 {
		return audio
	}

	scaled := make([]float32, len(audio))
	for i, v := range audio {
		scaled[i] = v / peak
	}
	return scaled
}

// PrepareInput inspects the session's declared inputs and builds the
// feed accordingly: NeMo-style frontends take raw waveforms, Parakeet
// encoders take audio_signal, and anything whose input rank or second
// dimension implies a spectrogram gets log-mel features.
func PrepareInput(session onnx.Session, audio []float32) (map[string]onnx.Value, error) {
	inputs := session.Inputs()
	byName := make(map[string]onnx.IOInfo, len(inputs))
	for _, in := range inputs {
		byName[in.Name] = in
	}

	lengthFeed := func(feed map[string]onnx.Value, candidates ...string) {
		for _, name := range candidates {
			if _, ok := byName[name]; ok {
				feed[name] = onnx.Int64Value([]int64{1}, []int64{int64(len(audio))})
				return
			}
		}
	}

	if _, ok := byName["waveforms"]; ok {
		feed := map[string]onnx.Value{
			"waveforms": onnx.FloatValue([]int64{1, int64(len(audio))}, audio),
		}
		lengthFeed(feed, "waveforms_lens", "length", "input_lengths")
		return feed, nil
	}

	if info, ok := byName["audio_signal"]; ok {
		var feed map[string]onnx.Value
		if len(info.Shape) >= 3 {
			feed = map[string]onnx.Value{
				"audio_signal": onnx.FloatValue([]int64{1, 1, int64(len(audio))}, audio),
			}
		} else {
			feed = map[string]onnx.Value{
				"audio_signal": onnx.FloatValue([]int64{1, int64(len(audio))}, audio),
			}
		}
		lengthFeed(feed, "length", "audio_signal_length", "input_lengths")
		return feed, nil
	}

	if len(inputs) == 0 {
		return nil, fmt.Errorf("session declares no inputs")
	}

	first := inputs[0]
	needsMel := false
	if len(first.Shape) >= 3 {
		needsMel = true
	} else if len(first.Shape) == 2 {
		switch first.Shape[1] {
		case 64, 80, 128:
			needsMel = true
		}
	}

	if needsMel {
		mel, frames := LogMel(audio)
		return map[string]onnx.Value{
			first.Name: onnx.FloatValue([]int64{1, int64(frames), melBands}, mel),
		}, nil
	}

	return map[string]onnx.Value{
		first.Name: onnx.FloatValue([]int64{1, int64(len(audio))}, audio),
	}, nil
}

// LogMel computes a log-mel spectrogram (n_fft 400, hop 160, 80 mel
// bands spanning 20-8000 Hz) matching the model's training frontend.
// The result is row-major (frames, melBands).
func LogMel(audio []float32) ([]float32, int) {
	padded := reflectPad(audio, melNFFT/2)

	numFrames := 1 + (len(padded)-melNFFT)/melHopLength
	if numFrames < 1 {
		numFrames = 1
	}

	window := hannWindow(melWinLength)
	filters := melFilterbank()

	fft := fourier.NewFFT(melNFFT)
	numBins := melNFFT/2 + 1

	frame := make([]float64, melNFFT)
	coeffs := make([]complex128, numBins)
	power := make([]float64, numBins)

	// mel[b][f], converted to dB afterwards
	mel := make([]float64, numFrames*melBands)
	maxVal := melAmin

	for f := 0; f < numFrames; f++ {
		offset := f * melHopLength
		for i := 0; i < melNFFT; i++ {
			idx := offset + i
			if idx < len(padded) {
				frame[i] = float64(padded[idx]) * window[i]
			} else {
				frame[i] = 0
			}
		}

		fft.Coefficients(coeffs, frame)
		for i := 0; i < numBins; i++ {
			re := real(coeffs[i])
			im := imag(coeffs[i])
			power[i] = re*re + im*im
		}

		for b := 0; b < melBands; b++ {
			var sum float64
			for i := 0; i < numBins; i++ {
				if w := filters[b][i]; w != 0 {
					sum += w * power[i]
				}
			}
			mel[f*melBands+b] = sum
			if sum > maxVal {
				maxVal = sum
			}
		}
	}

	// power_to_db with ref=max and an 80 dB floor.
	refDB := 10 * math.Log10(maxVal)
	floor := -melTopDB

	out := make([]float32, len(mel))
	for i, v := range mel {
		if v < melAmin {
			v = melAmin
		}
		db := 10*math.Log10(v) - refDB
		if db < floor {
			db = floor
		}
		out[i] = float32(db)
	}

	return out, numFrames
}

// reflectPad mirrors pad samples around each end of audio.
func reflectPad(audio []float32, pad int) []float32 {
	n := len(audio)
	if n == 0 {
		return make([]float32, 2*pad)
	}

	out := make([]float32, n+2*pad)
	copy(out[pad:], audio)
	for i := 0; i < pad; i++ {
		src := i + 1
		if src >= n {
			src = n - 1
		}
		out[pad-1-i] = audio[src]

		src = n - 2 - i
		if src < 0 {
			src = 0
		}
		out[pad+n+i] = audio[src]
	}
	return out
}

// hannWindow returns a periodic Hann window of the given length.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// melFilterbank builds Slaney-normalized triangular mel filters over
// the FFT bins.
func melFilterbank() [][]float64 {
	numBins := melNFFT/2 + 1

	// Mel points: melBands+2 edges from fmin to fmax.
	melMin := hzToMel(melFMin)
	melMax := hzToMel(melFMax)
	melPoints := make([]float64, melBands+2)
	for i := range melPoints {
		m := melMin + (melMax-melMin)*float64(i)/float64(melBands+1)
		melPoints[i] = melToHz(m)
	}

	fftFreqs := make([]float64, numBins)
	for i := range fftFreqs {
		fftFreqs[i] = float64(i) * SampleRate / melNFFT
	}

	filters := make([][]float64, melBands)
	for b := 0; b < melBands; b++ {
		filters[b] = make([]float64, numBins)
		lower := melPoints[b]
		center := melPoints[b+1]
		upper := melPoints[b+2]

		// Slaney normalization keeps filter response comparable
		// across bands.
		norm := 2.0 / (upper - lower)

		for i, freq := range fftFreqs {
			var w float64
			switch {
			case freq > lower && freq < center:
				w = (freq - lower) / (center - lower)
			case freq == center:
				w = 1
			case freq > center && freq < upper:
				w = (upper - freq) / (upper - center)
			}
			filters[b][i] = w * norm
		}
	}

	return filters
}

// hzToMel converts Hz to mel using the Slaney scale.
func hzToMel(hz float64) float64 {
	const (
		fSp      = 200.0 / 3.0
		minLogHz = 1000.0
	)
	minLogMel := minLogHz / fSp
	logstep := math.Log(6.4) / 27.0

	if hz < minLogHz {
		return hz / fSp
	}
	return minLogMel + math.Log(hz/minLogHz)/logstep
}

// melToHz is the inverse of hzToMel.
func melToHz(mel float64) float64 {
	const (
		fSp      = 200.0 / 3.0
		minLogHz = 1000.0
	)
	minLogMel := minLogHz / fSp
	logstep := math.Log(6.4) / 27.0

	if mel < minLogMel {
		return mel * fSp
	}
	return minLogHz * math.Exp(logstep*(mel-minLogMel))
}
