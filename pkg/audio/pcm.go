// Package audio provides validation, chunking, and accounting helpers for
// the gateway's canonical realtime audio format: single-channel little-endian
// PCM16 at 16000 Hz.
//
// The gateway rejects rather than converts: audio arriving at another sample
// rate or channel count fails validation with ErrResamplingUnsupported
// instead of being resampled.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"time"
)

const (
	// SampleRate is the only input sample rate the gateway accepts.
	SampleRate = 16000

	// Channels is the only channel count the gateway accepts.
	Channels = 1

	// BytesPerSample is the width of one little-endian int16 sample.
	BytesPerSample = 2

	// BytesPerSecond is the PCM byte rate of the canonical format.
	BytesPerSecond = SampleRate * Channels * BytesPerSample

	// MIMEType is the canonical media type for inbound audio.
	MIMEType = "audio/pcm;rate=16000"

	// DefaultMaxChunkBytes bounds one transported chunk, roughly 1 s of
	// canonical audio; the realtime surface configures a tighter bound.
	DefaultMaxChunkBytes = 32 * 1024
)

var (
	// ErrOddByteCount marks PCM data not aligned to a 16-bit sample boundary.
	ErrOddByteCount = errors.New("audio: byte count not aligned to int16 samples")

	// ErrEmptyChunk marks a zero-length chunk.
	ErrEmptyChunk = errors.New("audio: empty chunk")

	// ErrChunkTooLarge marks a chunk above the configured bound.
	ErrChunkTooLarge = errors.New("audio: chunk exceeds maximum size")

	// ErrResamplingUnsupported is returned for any rate or channel layout
	// other than 16 kHz mono. The gateway never converts audio.
	ErrResamplingUnsupported = errors.New("audio: resampling not implemented, input must be 16kHz mono PCM16")
)

// ValidateMIME checks that mimeType names the canonical format: PCM
// encoding, a 16000 Hz rate, and mono channels. All three must hold; a
// missing rate or channels parameter defaults to the canonical value.
func ValidateMIME(mimeType string) error {
	mediatype, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fmt.Errorf("audio: parse media type %q: %w", mimeType, err)
	}
	if mediatype != "audio/pcm" {
		return fmt.Errorf("audio: media type %q: %w", mediatype, ErrResamplingUnsupported)
	}
	if r, ok := params["rate"]; ok {
		rate, err := strconv.Atoi(r)
		if err != nil || rate != SampleRate {
			return fmt.Errorf("audio: rate %q: %w", r, ErrResamplingUnsupported)
		}
	}
	if c, ok := params["channels"]; ok {
		channels, err := strconv.Atoi(c)
		if err != nil || channels != Channels {
			return fmt.Errorf("audio: channels %q: %w", c, ErrResamplingUnsupported)
		}
	}
	return nil
}

// ValidateChunk checks one decoded PCM chunk: non-empty, sample aligned, and
// within maxBytes. Non-positive maxBytes falls back to DefaultMaxChunkBytes.
func ValidateChunk(pcm []byte, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}
	if len(pcm) == 0 {
		return ErrEmptyChunk
	}
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("audio: %d bytes: %w", len(pcm), ErrOddByteCount)
	}
	if len(pcm) > maxBytes {
		return fmt.Errorf("audio: %d bytes over %d limit: %w", len(pcm), maxBytes, ErrChunkTooLarge)
	}
	return nil
}

// DecodeBase64 decodes transported audio. Standard encoding with padding,
// matching what both upstream realtime APIs emit.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// EncodeBase64 encodes PCM bytes for transport.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// Duration returns the play time of byteLen bytes of canonical PCM.
func Duration(byteLen int) time.Duration {
	return time.Duration(byteLen) * time.Second / BytesPerSecond
}

// DurationMs returns the play time in milliseconds, the unit session
// accounting uses.
func DurationMs(byteLen int) float64 {
	return float64(byteLen) * 1000 / BytesPerSecond
}

// BytesForDuration returns the byte length of d worth of canonical PCM,
// aligned down to a sample boundary.
func BytesForDuration(d time.Duration) int {
	n := int(int64(d) * BytesPerSecond / int64(time.Second))
	return n - n%BytesPerSample
}

// Split cuts pcm into pieces of at most chunkDuration each, on sample
// boundaries. The final piece carries the remainder. A non-positive duration
// yields a single chunk. Split never copies; pieces alias the input.
func Split(pcm []byte, chunkDuration time.Duration) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	size := BytesForDuration(chunkDuration)
	if size <= 0 || size >= len(pcm) {
		return [][]byte{pcm}
	}
	chunks := make([][]byte, 0, (len(pcm)+size-1)/size)
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[off:end])
	}
	return chunks
}

// EnsureFormat rejects any rate or channel layout other than the canonical
// one. Zero values mean "unspecified" and pass.
func EnsureFormat(rate, channels int) error {
	if rate != 0 && rate != SampleRate {
		return fmt.Errorf("audio: rate %d: %w", rate, ErrResamplingUnsupported)
	}
	if channels != 0 && channels != Channels {
		return fmt.Errorf("audio: channels %d: %w", channels, ErrResamplingUnsupported)
	}
	return nil
}
