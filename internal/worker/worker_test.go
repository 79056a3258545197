package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"testing"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// respond queues one framed response on the fake data pipe.
func respond(pipe *MockCloser, payload []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func TestDetectRaw(t *testing.T) {
	// 1. Setup Mocks
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with a fake response from "Python"
	// Protocol: [Status:0] [JSON]
	detections := `[{"loc": [10, 10, 20, 20], "score": 0.99, "vec": [0.5]}]`
	respond(dataPipeMock, append([]byte{statusOK}, detections...))

	// 3. Create Worker with mocks injected
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.SetRGBA(2, 1, color.RGBA{R: 0xDE, G: 0xAD, B: 0xBE, A: 0xEF})

	// 4. Execute the function under test
	resp, err := w.DetectRaw(context.Background(), img)
	if err != nil {
		t.Fatalf("DetectRaw failed: %v", err)
	}

	// 5. Assertions

	// Verify Go sent the correct data TO Python
	sent := stdinMock.Bytes()
	wantLen := 4 + 8 + 3*2*4 // length header + dimensions + pixels
	if len(sent) != wantLen {
		t.Fatalf("Expected %d bytes sent, got %d", wantLen, len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[0:4]); got != uint32(wantLen-4) {
		t.Errorf("Expected length header %d, got %d", wantLen-4, got)
	}
	if wd, ht := binary.BigEndian.Uint32(sent[4:8]), binary.BigEndian.Uint32(sent[8:12]); wd != 3 || ht != 2 {
		t.Errorf("Expected dimensions 3x2, got %dx%d", wd, ht)
	}
	if !bytes.Equal(sent[len(sent)-4:], []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("Last pixel not sent correctly: %X", sent[len(sent)-4:])
	}

	// Verify Go read the correct data FROM Python
	if string(resp) != detections {
		t.Errorf("Expected payload %s, got %s", detections, resp)
	}
}

func TestDetectRawSubImage(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	respond(dataPipeMock, []byte{statusOK})

	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	full := image.NewRGBA(image.Rect(0, 0, 10, 10))
	sub := full.SubImage(image.Rect(2, 2, 4, 5)).(*image.RGBA)
	if _, err := w.DetectRaw(context.Background(), sub); err != nil {
		t.Fatalf("DetectRaw failed: %v", err)
	}
	if got := stdinMock.Len(); got != 4+8+2*3*4 {
		t.Errorf("Expected only the sub-image rows to be sent, got %d bytes", got)
	}
}

func TestDetectRaw_Error(t *testing.T) {
	// 1. Setup Mocks
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with an ERROR response from "Python"
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	respond(dataPipeMock, payload.Bytes())

	// 3. Create Worker
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}

	// 4. Execute
	_, err := w.DetectRaw(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))

	// 5. Assertions
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestParseResponseMalformed(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
	}{
		{"Empty", nil},
		{"Unknown status", []byte{7}},
		{"Truncated error header", []byte{statusError, 0, 0}},
		{"Error length overflows", []byte{statusError, 0, 0, 0, 9, 'x'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseResponse(tt.resp); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestDetectRawCrashedWorker(t *testing.T) {
	// An empty data pipe is what a dead interpreter looks like: EOF on the header.
	w := &PythonWorker{
		ID:       3,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	if _, err := w.DetectRaw(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Fatal("Expected error from crashed worker")
	}
}
