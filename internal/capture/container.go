package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/audio"
)

const partSuffix = ".part"

// OpenFunc creates a new container file for writing
type OpenFunc func(path string) (audio.File, error)

// openFile is the default OpenFunc
func openFile(path string) (audio.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
}

// ContainerInfo describes a closed container
type ContainerInfo struct {
	Path        string        `json:"path"`
	Label       string        `json:"label,omitempty"`
	Index       int           `json:"index"`
	FirstSeq    uint64        `json:"first_seq"`
	LastSeq     uint64        `json:"last_seq"`
	Frames      uint64        `json:"frames"`
	Samples     uint64        `json:"samples"`
	Bytes       int64         `json:"bytes"`
	StartOffset time.Duration `json:"start_offset"`
	Duration    time.Duration `json:"duration"`
	Aborted     bool          `json:"aborted"`
	ClosedAt    time.Time     `json:"closed_at"`
}

// container is the single open output file of a Sink
type container struct {
	index    int
	label    string
	path     string // final name
	partPath string // name while open
	writer   *audio.WAVWriter
	started  bool
	firstSeq uint64
	lastSeq  uint64
	frames   uint64
	samples  uint64
	bytes    int64
	offset   time.Duration
	aborted  bool
}

// fileSize returns the current size of the file including its header
func (c *container) fileSize() int64 {
	return int64(audio.WAVHeaderSize) + c.bytes
}

// append writes one frame's payload and updates counters
func (c *container) append(frame audio.AudioFrame) error {
	if _, err := c.writer.Write(frame.Data); err != nil {
		return err
	}

	if !c.started {
		c.started = true
		c.firstSeq = frame.Seq
		c.offset = frame.Timestamp
	}
	c.lastSeq = frame.Seq
	c.frames++
	c.samples += uint64(frame.SampleCount())
	c.bytes += int64(len(frame.Data))
	return nil
}

// info snapshots the container for reporting
func (c *container) info(sampleRate int, closedAt time.Time) ContainerInfo {
	return ContainerInfo{
		Path:        c.path,
		Label:       c.label,
		Index:       c.index,
		FirstSeq:    c.firstSeq,
		LastSeq:     c.lastSeq,
		Frames:      c.frames,
		Samples:     c.samples,
		Bytes:       c.bytes,
		StartOffset: c.offset,
		Duration:    audio.SampleOffset(c.samples, sampleRate),
		Aborted:     c.aborted,
		ClosedAt:    closedAt,
	}
}

// containerName builds the final file name for a container
func containerName(prefix string, started time.Time, index int, label string) string {
	name := fmt.Sprintf("%s_%s_%04d", prefix, started.Format("20060102_150405"), index)
	if label != "" {
		name += "_" + label
	}
	return name + ".wav"
}

// exists reports whether a path is already taken
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// finalPathFor picks the next free index for a container name in dir
func finalPathFor(dir, prefix string, started time.Time, index int, label string) (string, int) {
	for {
		path := filepath.Join(dir, containerName(prefix, started, index, label))
		if !exists(path) && !exists(path+partSuffix) {
			return path, index
		}
		index++
	}
}
