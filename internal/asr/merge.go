package asr

import "strings"

// maxOverlapWords bounds the window searched for duplicated words
// between adjacent chunk transcriptions. Two seconds of speech is
// typically 5-15 words.
const maxOverlapWords = 20

// SplitChunks splits long audio into overlapping windows of chunkSize
// seconds with overlap seconds shared between neighbors. Every chunk
// is padded to the model's minimum length, and a final fragment
// shorter than that minimum is dropped rather than emitted alone.
func SplitChunks(audio []float32, chunkSizeSec, overlapSec float64) [][]float32 {
	chunkSamples := int(chunkSizeSec * SampleRate)
	overlapSamples := int(overlapSec * SampleRate)
	stepSamples := chunkSamples - overlapSamples
	minSamples := int(minAudioSeconds * SampleRate)

	var chunks [][]float32
	total := len(audio)
	start := 0

	for start < total {
		end := start + chunkSamples
		if end > total {
			end = total
		}

		chunk := audio[start:end]
		if len(chunk) < minSamples {
			padded := make([]float32, minSamples)
			copy(padded, chunk)
			chunk = padded
		}
		chunks = append(chunks, chunk)

		start += stepSamples

		if total-start < minSamples && start < total {
			break
		}
	}

	return chunks
}

// MergeTranscriptions joins chunk transcriptions, removing the words
// duplicated by the audio overlap. For each boundary it finds the
// longest run of words that is both a suffix of the merged text and a
// prefix of the next chunk, and drops that run from the next chunk.
func MergeTranscriptions(texts []string) string {
	if len(texts) == 0 {
		return ""
	}

	merged := texts[0]

	for i := 1; i < len(texts); i++ {
		current := texts[i]
		if current == "" {
			continue
		}
		if merged == "" {
			merged = current
			continue
		}

		mergedWords := strings.Fields(merged)
		currentWords := strings.Fields(current)

		limit := maxOverlapWords
		if len(mergedWords) < limit {
			limit = len(mergedWords)
		}
		if len(currentWords) < limit {
			limit = len(currentWords)
		}

		bestOverlap := 0
		for n := 1; n <= limit; n++ {
			if wordsEqual(mergedWords[len(mergedWords)-n:], currentWords[:n]) {
				bestOverlap = n
			}
		}

		currentWords = currentWords[bestOverlap:]
		if len(currentWords) > 0 {
			merged = merged + " " + strings.Join(currentWords, " ")
		}
	}

	return strings.TrimSpace(merged)
}

func wordsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
