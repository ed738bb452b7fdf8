package transcoder

import (
	"bytes"
	"encoding/base64"
	"sync"
	"time"
)

// EncodedOutput is the sealed derivative of one transcode call.
type EncodedOutput struct {
	MIMEType string
	Data     []byte
	Width    int
	Height   int
	Frames   int
	Duration time.Duration
	HasAudio bool
	// StopReason tells whether sampling hit the output cap or the end of the source.
	StopReason string
}

// Size returns the byte length of the derivative.
func (o *EncodedOutput) Size() int64 {
	return int64(len(o.Data))
}

// Base64 encodes the derivative for transmission inside JSON payloads.
func (o *EncodedOutput) Base64() string {
	return base64.StdEncoding.EncodeToString(o.Data)
}

// chunkBuffer accumulates encoder chunks in emission order.
type chunkBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	chunks int
	sealed bool
}

func (c *chunkBuffer) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.buf.Write(chunk)
	c.chunks++
}

// seal freezes the buffer and returns a copy of its bytes.
func (c *chunkBuffer) seal() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out
}

func (c *chunkBuffer) discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	c.buf.Reset()
}
