package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-audio/wav"
)

const (
	wavHeaderLen  = 44
	bitsPerSample = 16
)

// EncodeWAV writes interleaved float32 samples as a canonical 16-bit PCM
// RIFF/WAVE file.
func EncodeWAV(samples []float32, f Format) []byte {
	channels := max(1, f.Channels)
	blockAlign := channels * bitsPerSample / 8
	dataLen := len(samples) * 2
	totalLen := wavHeaderLen + dataLen

	buf := make([]byte, totalLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(totalLen-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.SampleRate*blockAlign)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range toInt16(samples) {
		binary.LittleEndian.PutUint16(buf[wavHeaderLen+i*2:], uint16(s))
	}
	return buf
}

// WAVInfo holds the fmt chunk fields of a WAV file.
type WAVInfo struct {
	Channels   int           `json:"channels"`
	SampleRate int           `json:"sample_rate"`
	BitDepth   int           `json:"bit_depth"`
	ByteRate   int           `json:"byte_rate"`
	Duration   time.Duration `json:"duration"`
}

var errInvalidWAV = errors.New("invalid wav file")

// ReadWAVInfo parses the RIFF header of data.
func ReadWAVInfo(data []byte) (WAVInfo, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return WAVInfo{}, errInvalidWAV
	}
	info := WAVInfo{
		Channels:   int(d.NumChans),
		SampleRate: int(d.SampleRate),
		BitDepth:   int(d.BitDepth),
		ByteRate:   int(d.AvgBytesPerSec),
	}
	dur, err := d.Duration()
	if err != nil {
		return WAVInfo{}, fmt.Errorf("wav duration: %w", err)
	}
	info.Duration = dur
	return info, nil
}

// DecodeWAV reads every PCM frame of a WAV file into normalized float32 samples.
func DecodeWAV(data []byte) ([]float32, Format, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, Format{}, errInvalidWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("read wav pcm: %w", err)
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(d.BitDepth)
	}
	scale := float32(int(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return samples, Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}, nil
}
