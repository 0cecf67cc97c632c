package gateway

import (
	"bytes"
	"io"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/keymux/pkg/types"
)

// Azure chat streams differ from OpenAI's in two ways: events can be split
// mid-chunk across network reads, and the opening delta carries only the
// assistant role with the first content arriving in a separate event.
// azureStreamNormalizer re-assembles events on the "\n\n" boundary and
// folds the role-only delta into the next content delta so consumers see
// the OpenAI shape.
type azureStreamNormalizer struct {
	src io.ReadCloser

	raw bytes.Buffer // unparsed upstream bytes; an incomplete event waits here
	out bytes.Buffer // normalized events ready for the caller

	pendingRole string
	srcErr      error
}

func newAzureStreamNormalizer(src io.ReadCloser) io.ReadCloser {
	return &azureStreamNormalizer{src: src}
}

var (
	eventPrefix = []byte("data: ")
	eventSep    = []byte("\n\n")
	doneMarker  = []byte("[DONE]")
)

func (n *azureStreamNormalizer) Read(p []byte) (int, error) {
	for n.out.Len() == 0 {
		if n.srcErr != nil {
			n.flushRemainder()
			if n.out.Len() > 0 {
				break
			}
			return 0, n.srcErr
		}
		n.fill()
		n.drainEvents()
	}
	return n.out.Read(p)
}

func (n *azureStreamNormalizer) Close() error {
	return n.src.Close()
}

func (n *azureStreamNormalizer) fill() {
	buf := make([]byte, 4096)
	read, err := n.src.Read(buf)
	if read > 0 {
		n.raw.Write(buf[:read])
	}
	if err != nil {
		n.srcErr = err
	}
}

// drainEvents cuts complete events off the raw buffer and normalizes each.
// An event is complete once its trailing separator has arrived; a partial
// tail stays buffered until the next read.
func (n *azureStreamNormalizer) drainEvents() {
	for {
		data := n.raw.Bytes()
		sep := bytes.Index(data, eventSep)
		if sep < 0 {
			return
		}

		event := make([]byte, sep)
		copy(event, data[:sep])
		n.raw.Next(sep + len(eventSep))

		n.handleEvent(event)
	}
}

func (n *azureStreamNormalizer) handleEvent(event []byte) {
	payload, ok := bytes.CutPrefix(bytes.TrimSpace(event), eventPrefix)
	if !ok {
		// Not an SSE data line (comment or stray blank); drop it.
		return
	}

	if bytes.Equal(payload, doneMarker) {
		n.emit(payload)
		return
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		// Framed but unparseable; pass through untouched.
		n.emit(payload)
		return
	}

	if len(chunk.Choices) == 0 {
		n.emit(payload)
		return
	}

	delta := chunk.Choices[0].Delta
	if delta.Role != "" && delta.Content == "" && chunk.Choices[0].FinishReason == "" {
		n.pendingRole = delta.Role
		return
	}

	if n.pendingRole != "" && delta.Role == "" {
		chunk.Choices[0].Delta.Role = n.pendingRole
		n.pendingRole = ""
		merged, err := json.Marshal(&chunk)
		if err != nil {
			n.emit(payload)
			return
		}
		n.emit(merged)
		return
	}

	n.emit(payload)
}

func (n *azureStreamNormalizer) emit(payload []byte) {
	n.out.Write(eventPrefix)
	n.out.Write(payload)
	n.out.Write(eventSep)
}

// flushRemainder handles a stream that ended without a trailing separator.
func (n *azureStreamNormalizer) flushRemainder() {
	if n.raw.Len() == 0 {
		return
	}
	event := make([]byte, n.raw.Len())
	copy(event, n.raw.Bytes())
	n.raw.Reset()
	n.handleEvent(event)
}
