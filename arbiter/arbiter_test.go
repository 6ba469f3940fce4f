package arbiter

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/w1xm/sitech_interface/controller"
)

// fakeService is a daemon that stops after a number of is-active checks
// unless it is killed first.
type fakeService struct {
	mu sync.Mutex
	// stubborn is how many is-active checks after Stop still report active.
	stubborn int
	stopErr  error
	startErr error

	active bool
	calls  []string
}

func newFakeService() *fakeService {
	return &fakeService{active: true}
}

func (s *fakeService) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("stop")
	if s.stopErr != nil {
		return s.stopErr
	}
	if s.stubborn == 0 {
		s.active = false
	}
	return nil
}

func (s *fakeService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("start")
	if s.startErr != nil {
		return s.startErr
	}
	s.active = true
	return nil
}

func (s *fakeService) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("kill")
	s.active = false
	s.stubborn = 0
	return nil
}

func (s *fakeService) IsActive() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("is-active")
	active := s.active
	if s.active && s.stubborn > 0 {
		s.stubborn--
		if s.stubborn == 0 {
			s.active = false
		}
	}
	return active, nil
}

func (s *fakeService) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeProber struct {
	holders []string
	err     error
}

func (p fakeProber) Holders(string) ([]string, error) {
	return p.holders, p.err
}

type nopPort struct{}

func (nopPort) Read([]byte) (int, error)    { return 0, nil }
func (nopPort) Write(b []byte) (int, error) { return len(b), nil }
func (nopPort) Close() error                { return nil }

type fakeOpener struct {
	err   error
	opens int32
}

func (o *fakeOpener) Open(device string) (io.ReadWriteCloser, error) {
	atomic.AddInt32(&o.opens, 1)
	if o.err != nil {
		return nil, o.err
	}
	return nopPort{}, nil
}

func testConfig(attempts int) Config {
	return Config{Device: "/dev/ttyFAKE", Attempts: attempts}
}

func TestDoSuccessLeavesDaemonStopped(t *testing.T) {
	svc := newFakeService()
	a := New(svc, fakeProber{}, &fakeOpener{}, testConfig(10))

	var ran bool
	err := a.Do(func(c *controller.Controller) error {
		ran = true
		if got := a.State(); got != DirectAccess {
			t.Errorf("state during fn = %v, want %v", got, DirectAccess)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Errorf("fn was not called")
	}
	if got := a.State(); got != PortFree {
		t.Errorf("state = %v, want %v", got, PortFree)
	}
	if diff := cmp.Diff([]string{"stop", "is-active"}, svc.history()); diff != "" {
		t.Errorf("service calls: want(-)/got(+):\n%s", diff)
	}

	if err := a.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := a.State(); got != DaemonOwnsPort {
		t.Errorf("state after Restore = %v, want %v", got, DaemonOwnsPort)
	}
	if diff := cmp.Diff([]string{"stop", "is-active", "is-active", "start"}, svc.history()); diff != "" {
		t.Errorf("service calls: want(-)/got(+):\n%s", diff)
	}
}

func TestRestoreWhenRunning(t *testing.T) {
	svc := newFakeService()
	a := New(svc, fakeProber{}, &fakeOpener{}, testConfig(10))
	if err := a.Restore(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"is-active"}, svc.history()); diff != "" {
		t.Errorf("service calls: want(-)/got(+):\n%s", diff)
	}
}

func TestDoOpenFailureRestores(t *testing.T) {
	svc := newFakeService()
	opener := &fakeOpener{err: errors.New("device or resource busy")}
	a := New(svc, fakeProber{}, opener, testConfig(10))

	called := false
	err := a.Do(func(*controller.Controller) error {
		called = true
		return nil
	})
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Stage != "open" {
		t.Fatalf("err = %v, want open stage *Error", err)
	}
	if !strings.Contains(err.Error(), "busy") {
		t.Errorf("error %q lost the OS message", err)
	}
	if called {
		t.Errorf("fn called after open failure")
	}
	if got := a.State(); got != DaemonOwnsPort {
		t.Errorf("state = %v, want %v", got, DaemonOwnsPort)
	}
	if h := svc.history(); h[len(h)-1] != "start" {
		t.Errorf("daemon not restarted: %v", h)
	}
}

func TestDoOperationFailureRestores(t *testing.T) {
	svc := newFakeService()
	a := New(svc, fakeProber{}, &fakeOpener{}, testConfig(10))
	perr := &controller.ProtocolError{Command: "XB", Response: "E1", Reason: "bad"}
	err := a.Do(func(*controller.Controller) error { return perr })

	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Stage != "operate" {
		t.Fatalf("err = %v, want operate stage *Error", err)
	}
	var got *controller.ProtocolError
	if !errors.As(err, &got) || got != perr {
		t.Errorf("protocol error not preserved: %v", err)
	}
	if s := a.State(); s != DaemonOwnsPort {
		t.Errorf("state = %v, want %v", s, DaemonOwnsPort)
	}
}

func TestDoEscalatesToKill(t *testing.T) {
	svc := newFakeService()
	svc.stubborn = 100
	a := New(svc, fakeProber{}, &fakeOpener{}, testConfig(4))
	if err := a.Do(func(*controller.Controller) error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	want := []string{"stop", "is-active", "is-active", "is-active", "kill", "is-active"}
	if diff := cmp.Diff(want, svc.history()); diff != "" {
		t.Errorf("service calls: want(-)/got(+):\n%s", diff)
	}
}

func TestDoStopsPollingOnceFree(t *testing.T) {
	svc := newFakeService()
	svc.stubborn = 2
	a := New(svc, fakeProber{}, &fakeOpener{}, testConfig(10))
	if err := a.Do(func(*controller.Controller) error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	want := []string{"stop", "is-active", "is-active", "is-active"}
	if diff := cmp.Diff(want, svc.history()); diff != "" {
		t.Errorf("service calls: want(-)/got(+):\n%s", diff)
	}
}

func TestDoPortNeverFree(t *testing.T) {
	svc := newFakeService()
	opener := &fakeOpener{}
	holder := "SiTechExe 812 sitech 3u CHR 188,0 0t0 /dev/ttyFAKE"
	a := New(svc, fakeProber{holders: []string{holder}}, opener, testConfig(3))

	err := a.Do(func(*controller.Controller) error { return nil })
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Stage != "release" {
		t.Fatalf("err = %v, want release stage *Error", err)
	}
	if aerr.Output != holder {
		t.Errorf("Output = %q, want %q", aerr.Output, holder)
	}
	if opener.opens != 0 {
		t.Errorf("opened a held port")
	}
	if got := a.State(); got != DaemonOwnsPort {
		t.Errorf("state = %v, want %v", got, DaemonOwnsPort)
	}
	want := []string{"stop", "is-active", "is-active", "kill", "is-active", "start"}
	if diff := cmp.Diff(want, svc.history()); diff != "" {
		t.Errorf("service calls: want(-)/got(+):\n%s", diff)
	}
}

func TestDoProberFailureTreatedAsFree(t *testing.T) {
	svc := newFakeService()
	a := New(svc, fakeProber{err: errors.New("lsof: not found")}, &fakeOpener{}, testConfig(10))
	if err := a.Do(func(*controller.Controller) error { return nil }); err != nil {
		t.Errorf("Do: %v", err)
	}
}

func TestDoStopFailure(t *testing.T) {
	svc := newFakeService()
	svc.stopErr = &ExecError{Command: "sudo -n systemctl stop sitech.service", Output: "sudo: a password is required", Err: errors.New("exit status 1")}
	opener := &fakeOpener{}
	a := New(svc, fakeProber{}, opener, testConfig(10))

	err := a.Do(func(*controller.Controller) error { return nil })
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Stage != "stop" {
		t.Fatalf("err = %v, want stop stage *Error", err)
	}
	if aerr.Output != "sudo: a password is required" {
		t.Errorf("Output = %q", aerr.Output)
	}
	if diff := cmp.Diff([]string{"stop", "start"}, svc.history()); diff != "" {
		t.Errorf("service calls: want(-)/got(+):\n%s", diff)
	}
	if opener.opens != 0 {
		t.Errorf("opened the port after a failed stop")
	}
}

func TestDoRestartFailure(t *testing.T) {
	svc := newFakeService()
	svc.startErr = errors.New("unit not found")
	a := New(svc, fakeProber{}, &fakeOpener{err: errors.New("no such file")}, testConfig(10))
	err := a.Do(func(*controller.Controller) error { return nil })
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Stage != "open" {
		t.Fatalf("err = %v, want open stage *Error", err)
	}
	if !strings.Contains(err.Error(), "unit not found") {
		t.Errorf("error %q does not mention the restart failure", err)
	}
	if got := a.State(); got != PortFree {
		t.Errorf("state = %v, want %v", got, PortFree)
	}
}

func TestDoSerializesCycles(t *testing.T) {
	svc := newFakeService()
	a := New(svc, fakeProber{}, &fakeOpener{}, testConfig(10))
	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Do(func(*controller.Controller) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInFlight != 1 {
		t.Errorf("%d cycles overlapped", maxInFlight)
	}
}
