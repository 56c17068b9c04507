package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/muurk/wsserver/internal/events"
	"github.com/muurk/wsserver/internal/logging"
	"go.uber.org/zap"
)

// MessageCapture is one captured message, written as a JSON line.
type MessageCapture struct {
	Timestamp    time.Time `json:"timestamp"`
	ConnID       string    `json:"conn_id"`
	RemoteAddr   string    `json:"remote_addr"`
	Direction    string    `json:"direction"`
	MessageType  string    `json:"message_type"`
	PayloadLen   int       `json:"payload_length"`
	PayloadHex   string    `json:"payload_hex,omitempty"`
	PayloadASCII string    `json:"payload_ascii,omitempty"`
}

// capturer appends messages to daily JSONL files. A nil capturer records nothing.
type capturer struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func newCapturer(dir string) *capturer {
	if dir == "" {
		return nil
	}
	return &capturer{dir: dir, now: time.Now}
}

func (c *capturer) record(info events.ConnInfo, direction string, messageType int, data []byte) {
	if c == nil {
		return
	}

	timestamp := c.now()
	filename := filepath.Join(c.dir, fmt.Sprintf("capture-%s.jsonl", timestamp.Format("20060102")))

	entry := MessageCapture{
		Timestamp:   timestamp,
		ConnID:      info.UUID,
		RemoteAddr:  info.RemoteAddr,
		Direction:   direction,
		MessageType: messageTypeName(messageType),
		PayloadLen:  len(data),
	}
	if messageType == 2 {
		entry.PayloadHex = hex.EncodeToString(data)
	} else {
		entry.PayloadASCII = toASCII(data)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		logging.Error("Failed to marshal message capture", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logging.Error("Failed to open capture file",
			zap.String("filename", filename),
			zap.Error(err),
		)
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		logging.Error("Failed to write to capture file",
			zap.String("filename", filename),
			zap.Error(err),
		)
	}
}

func messageTypeName(messageType int) string {
	switch messageType {
	case 1:
		return "text"
	case 2:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// toASCII converts bytes to ASCII string (non-printable chars become '.')
func toASCII(data []byte) string {
	result := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			result[i] = b
		} else {
			result[i] = '.'
		}
	}
	return string(result)
}
