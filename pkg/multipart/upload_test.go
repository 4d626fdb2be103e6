package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeService simulates the service-side session state machine: sessions
// keyed by identity, authoritative part status, URL generations that go stale
// on restart.
type fakeService struct {
	mu sync.Mutex

	nextID     int
	session    string
	parts      []bool
	gen        int
	urlPart    map[string]int
	urlGen     map[string]int
	data       map[int][]byte
	startCalls int
	addCalls   map[int]int

	// integrityFails[part] is how many AddPart calls for that part still
	// fail with an IntegrityError.
	integrityFails map[int]int

	// loseOnComplete un-acknowledges this part on the first CompleteSession
	// call, simulating a part the service never actually received.
	loseOnComplete int
}

func newFakeService() *fakeService {
	return &fakeService{
		urlPart:        make(map[string]int),
		urlGen:         make(map[string]int),
		data:           make(map[int][]byte),
		addCalls:       make(map[int]int),
		integrityFails: make(map[int]int),
	}
}

func (s *fakeService) status() *SessionStatus {
	b := make([]byte, len(s.parts))
	for i, done := range s.parts {
		if done {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	ps, _ := ParseStatus(string(b))
	return &SessionStatus{UploadID: s.session, State: StateInProgress, Parts: ps}
}

func (s *fakeService) StartSession(ctx context.Context, req StartSessionRequest) (*SessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startCalls++
	s.gen++

	count := int((req.FileSize + req.PartSize - 1) / req.PartSize)
	if s.session == "" || req.ForceRestart {
		s.nextID++
		s.session = fmt.Sprintf("up-%d", s.nextID)
		s.parts = make([]bool, count)
		for k := range s.data {
			delete(s.data, k)
		}
	}

	return s.status(), nil
}

func (s *fakeService) PresignedURLBatch(ctx context.Context, uploadID string, partNumbers []int) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uploadID != s.session {
		return nil, fmt.Errorf("unknown session %s: %w", uploadID, ErrSessionInvalid)
	}

	urls := make(map[int]string, len(partNumbers))
	for _, n := range partNumbers {
		url := fmt.Sprintf("https://store.example/%s/%d?gen=%d", uploadID, n, s.gen)
		urls[n] = url
		s.urlPart[url] = n
		s.urlGen[url] = s.gen
	}
	return urls, nil
}

func (s *fakeService) AddPart(ctx context.Context, uploadID string, partNumber int, partMD5Hex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uploadID != s.session {
		return fmt.Errorf("unknown session %s: %w", uploadID, ErrSessionInvalid)
	}

	s.addCalls[partNumber]++

	if s.integrityFails[partNumber] > 0 {
		s.integrityFails[partNumber]--
		return &IntegrityError{PartNumber: partNumber, Detail: "md5 does not match"}
	}

	data, ok := s.data[partNumber]
	if !ok {
		return &IntegrityError{PartNumber: partNumber, Detail: "no data received"}
	}
	sum := md5.Sum(data)
	if hex.EncodeToString(sum[:]) != partMD5Hex {
		return &IntegrityError{PartNumber: partNumber, Detail: "md5 does not match"}
	}

	s.parts[partNumber-1] = true
	return nil
}

func (s *fakeService) CompleteSession(ctx context.Context, uploadID string) (*SessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uploadID != s.session {
		return nil, fmt.Errorf("unknown session %s: %w", uploadID, ErrSessionInvalid)
	}

	if s.loseOnComplete > 0 {
		s.parts[s.loseOnComplete-1] = false
		delete(s.data, s.loseOnComplete)
		s.loseOnComplete = 0
		return s.status(), nil
	}

	for _, done := range s.parts {
		if !done {
			return s.status(), nil
		}
	}

	st := s.status()
	st.State = StateCompleted
	st.ResultFileHandleID = "fh-100"
	return st, nil
}

func (s *fakeService) assembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out bytes.Buffer
	for n := 1; n <= len(s.parts); n++ {
		out.Write(s.data[n])
	}
	return out.Bytes()
}

// fakePutter writes part bytes into the fake service, rejecting URLs from
// stale generations the way a storage backend rejects an expired signature.
type fakePutter struct {
	svc *fakeService

	mu         sync.Mutex
	puts       []string
	failPuts   int // fail this many puts with a generic error first
	expirePuts int // fail this many puts with ErrExpiredURL first
}

func (p *fakePutter) PutPart(ctx context.Context, url string, data []byte) error {
	p.mu.Lock()
	p.puts = append(p.puts, url)
	fail := p.failPuts > 0
	if fail {
		p.failPuts--
	}
	expire := !fail && p.expirePuts > 0
	if expire {
		p.expirePuts--
	}
	p.mu.Unlock()

	if fail {
		return errors.New("storage backend unavailable")
	}
	if expire {
		return ErrExpiredURL
	}

	p.svc.mu.Lock()
	defer p.svc.mu.Unlock()

	n, ok := p.svc.urlPart[url]
	if !ok || p.svc.urlGen[url] < p.svc.gen {
		return ErrExpiredURL
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	p.svc.data[n] = buf
	return nil
}

func (p *fakePutter) putCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.puts)
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestUploadHappyPath(t *testing.T) {
	for _, tt := range []struct {
		name     string
		dispatch Dispatcher
	}{
		{"parallel", ParallelDispatcher{Workers: 4}},
		{"sequential", SequentialDispatcher{}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			data := testData(12 * 1024 * 1024)
			svc := newFakeService()
			putter := &fakePutter{svc: svc}

			u := NewUploader(svc, putter, UploadOptions{Dispatcher: tt.dispatch})

			status, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}

			if status.State != StateCompleted {
				t.Errorf("state: got %q, want %q", status.State, StateCompleted)
			}
			if status.ResultFileHandleID != "fh-100" {
				t.Errorf("file handle: got %q", status.ResultFileHandleID)
			}
			// 12MiB with no explicit part size splits into two 6MiB parts.
			if len(svc.parts) != 2 {
				t.Errorf("parts: got %d, want 2", len(svc.parts))
			}
			if svc.startCalls != 1 {
				t.Errorf("start calls: got %d, want 1", svc.startCalls)
			}
			if !bytes.Equal(svc.assembled(), data) {
				t.Error("assembled bytes do not match source")
			}
		})
	}
}

func TestUploadProgress(t *testing.T) {
	data := testData(12 * 1024 * 1024)
	svc := newFakeService()
	putter := &fakePutter{svc: svc}

	var last, total int64
	u := NewUploader(svc, putter, UploadOptions{
		Dispatcher: SequentialDispatcher{},
		Progress: func(c, t int64) {
			if c < last {
				// Snapshots may repeat but never go backwards.
				panic("progress went backwards")
			}
			last, total = c, t
		},
	})

	if _, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data)); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if last != int64(len(data)) {
		t.Errorf("final progress: got %d, want %d", last, len(data))
	}
	if total != int64(len(data)) {
		t.Errorf("total: got %d, want %d", total, len(data))
	}
}

func TestUploadResumesPendingPartsOnly(t *testing.T) {
	data := testData(18 * 1024 * 1024) // 3 parts of 6MiB
	svc := newFakeService()
	putter := &fakePutter{svc: svc}

	// Simulate a previous run that already uploaded parts 1 and 3.
	svc.session = "up-1"
	svc.nextID = 1
	svc.parts = []bool{true, false, true}
	svc.data[1] = data[:6*1024*1024]
	svc.data[3] = data[12*1024*1024:]

	u := NewUploader(svc, putter, UploadOptions{Dispatcher: SequentialDispatcher{}})

	status, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if status.State != StateCompleted {
		t.Errorf("state: got %q", status.State)
	}
	if status.UploadID != "up-1" {
		t.Errorf("upload id: got %q, want up-1 (resumed session)", status.UploadID)
	}
	if putter.putCount() != 1 {
		t.Errorf("puts: got %d, want 1 (only the pending part)", putter.putCount())
	}
	if !bytes.Equal(svc.assembled(), data) {
		t.Error("assembled bytes do not match source")
	}
}

func TestUploadExpiredURLGetsFreshBatch(t *testing.T) {
	data := testData(12 * 1024 * 1024)
	svc := newFakeService()
	putter := &fakePutter{svc: svc, expirePuts: 1}

	u := NewUploader(svc, putter, UploadOptions{Dispatcher: SequentialDispatcher{}})

	status, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if status.State != StateCompleted {
		t.Errorf("state: got %q", status.State)
	}
	// The expired URL forces a session re-fetch, the parts go out again on
	// fresh URLs from a newer batch.
	if svc.startCalls != 2 {
		t.Errorf("start calls: got %d, want 2", svc.startCalls)
	}
	putter.mu.Lock()
	first, retried := putter.puts[0], putter.puts[len(putter.puts)-1]
	putter.mu.Unlock()
	if first == retried {
		t.Errorf("retried the same URL %q instead of a fresh one", first)
	}
	if !bytes.Equal(svc.assembled(), data) {
		t.Error("assembled bytes do not match source")
	}
}

func TestUploadRestartBudgetExhausted(t *testing.T) {
	data := testData(12 * 1024 * 1024)
	svc := newFakeService()
	putter := &fakePutter{svc: svc, failPuts: 1000}

	u := NewUploader(svc, putter, UploadOptions{
		Dispatcher:     SequentialDispatcher{},
		SessionRetries: 3,
	})

	_, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
	if err == nil {
		t.Fatal("expected error")
	}

	var exhausted *SessionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected SessionExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", exhausted.Attempts)
	}
	if exhausted.UploadID == "" {
		t.Error("exhausted error must name the last session")
	}
	if exhausted.Cause != RestartIncomplete {
		t.Errorf("cause: got %q, want %q", exhausted.Cause, RestartIncomplete)
	}
	if svc.startCalls != 3 {
		t.Errorf("start calls: got %d, want 3", svc.startCalls)
	}
}

func TestUploadIntegrityRetryOnce(t *testing.T) {
	data := testData(12 * 1024 * 1024)
	svc := newFakeService()
	svc.integrityFails[2] = 1
	putter := &fakePutter{svc: svc}

	u := NewUploader(svc, putter, UploadOptions{Dispatcher: SequentialDispatcher{}})

	status, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if status.State != StateCompleted {
		t.Errorf("state: got %q", status.State)
	}
	if svc.addCalls[2] != 2 {
		t.Errorf("add calls for part 2: got %d, want 2 (one rejection, one retry)", svc.addCalls[2])
	}
	if !bytes.Equal(svc.assembled(), data) {
		t.Error("assembled bytes do not match source")
	}
}

func TestUploadIntegritySecondStrikeFails(t *testing.T) {
	data := testData(12 * 1024 * 1024)
	svc := newFakeService()
	svc.integrityFails[2] = 100
	putter := &fakePutter{svc: svc}

	u := NewUploader(svc, putter, UploadOptions{Dispatcher: SequentialDispatcher{}})

	_, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
	if err == nil {
		t.Fatal("expected error")
	}

	var integ *IntegrityError
	if !errors.As(err, &integ) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integ.PartNumber != 2 {
		t.Errorf("part: got %d, want 2", integ.PartNumber)
	}
	// One rejection consumes the per-part retry; the second is terminal, so
	// the restart budget is never drained.
	if svc.addCalls[2] != 2 {
		t.Errorf("add calls for part 2: got %d, want 2", svc.addCalls[2])
	}
}

func TestUploadCompleteReportsMissingPart(t *testing.T) {
	data := testData(12 * 1024 * 1024)
	svc := newFakeService()
	svc.loseOnComplete = 1
	putter := &fakePutter{svc: svc}

	u := NewUploader(svc, putter, UploadOptions{Dispatcher: SequentialDispatcher{}})

	status, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if status.State != StateCompleted {
		t.Errorf("state: got %q", status.State)
	}
	// Part 1 went missing at completion time, so it was uploaded twice.
	if svc.addCalls[1] < 2 {
		t.Errorf("add calls for part 1: got %d, want >= 2", svc.addCalls[1])
	}
	if !bytes.Equal(svc.assembled(), data) {
		t.Error("assembled bytes do not match source")
	}
}

func TestUploadAlreadyCompletedSession(t *testing.T) {
	data := testData(12 * 1024 * 1024)
	svc := &completedService{}
	putter := &fakePutter{svc: newFakeService()}

	u := NewUploader(svc, putter, UploadOptions{Dispatcher: SequentialDispatcher{}})

	status, err := u.Upload(context.Background(), bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if status.State != StateCompleted {
		t.Errorf("state: got %q", status.State)
	}
	if putter.putCount() != 0 {
		t.Errorf("puts: got %d, want 0", putter.putCount())
	}
}

func TestUploadCancelled(t *testing.T) {
	data := testData(12 * 1024 * 1024)
	svc := newFakeService()
	putter := &fakePutter{svc: svc}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u := NewUploader(svc, putter, UploadOptions{Dispatcher: SequentialDispatcher{}})
	_, err := u.Upload(ctx, bytes.NewReader(data), "data.bin", int64(len(data)), md5Hex(data))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// completedService reports a session that finished in an earlier run.
type completedService struct{}

func (completedService) StartSession(ctx context.Context, req StartSessionRequest) (*SessionStatus, error) {
	ps, _ := ParseStatus("11")
	return &SessionStatus{UploadID: "up-done", State: StateCompleted, Parts: ps, ResultFileHandleID: "fh-7"}, nil
}

func (completedService) PresignedURLBatch(ctx context.Context, uploadID string, partNumbers []int) (map[int]string, error) {
	return nil, errors.New("not expected")
}

func (completedService) AddPart(ctx context.Context, uploadID string, partNumber int, partMD5Hex string) error {
	return errors.New("not expected")
}

func (completedService) CompleteSession(ctx context.Context, uploadID string) (*SessionStatus, error) {
	return nil, errors.New("not expected")
}
