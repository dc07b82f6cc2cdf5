// Package source defines how the orchestrator talks to a messaging channel provider.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Channel is one channel the provider can enumerate.
type Channel struct {
	ID    string
	Title string
}

// Attachment is the file carried by a message.
type Attachment struct {
	// Name is the original file name. It may be empty.
	Name string
	Size int64
	// Ref locates the bytes for the provider that produced it (file id, URL or path).
	Ref string
}

// Message is a read-only view of one channel message.
type Message struct {
	ID         string
	AuthoredAt time.Time
	File       *Attachment
}

// Provider enumerates channels and messages and fetches attachment bytes.
// Messages are returned in the order they should be processed.
type Provider interface {
	Channels(ctx context.Context) ([]Channel, error)
	Messages(ctx context.Context, ch Channel) ([]Message, error)
	// Download writes the message's attachment to destPath, creating or truncating it.
	Download(ctx context.Context, ch Channel, msg Message, destPath string) error
}

// WriteFile creates destPath and copies r into it.
func WriteFile(destPath string, r io.Reader) (int64, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", destPath, err)
	}
	n, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if copyErr != nil {
		return n, fmt.Errorf("write %s: %w", destPath, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close %s: %w", destPath, closeErr)
	}
	return n, nil
}
