package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chemdrive/internal/loop"
	"chemdrive/internal/models"
)

type fakeProcess struct {
	pid     int32
	cmdline string
	cmdErr  error
	stuck   bool

	mu         sync.Mutex
	terminated bool
}

func (p *fakeProcess) PID() int32 { return p.pid }

func (p *fakeProcess) Cmdline(context.Context) (string, error) {
	return p.cmdline, p.cmdErr
}

func (p *fakeProcess) Terminate(context.Context) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Running(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stuck || !p.terminated, nil
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeTable []HostProcess

func (t fakeTable) Processes(context.Context) ([]HostProcess, error) {
	return t, nil
}

type failingTable struct{}

func (failingTable) Processes(context.Context) ([]HostProcess, error) {
	return nil, errors.New("permission denied")
}

var testSignature = Signature{Executable: "flowchem.exe", Package: "flowchem", MainScript: "__main__.py"}

func newStraySupervisor(t *testing.T, table ProcessTable) (*Supervisor, *recorder) {
	t.Helper()
	l := loop.New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(context.Background())
	}()
	t.Cleanup(func() {
		l.Close()
		wg.Wait()
	})

	s := New(l, Worker{Signature: testSignature}, WithProcessTable(table))
	rec := &recorder{}
	s.Subscribe(rec.record)
	return s, rec
}

func TestTerminateExisting(t *testing.T) {
	self := &fakeProcess{pid: int32(os.Getpid()), cmdline: "python -m flowchem __main__.py devices.toml"}
	denied := &fakeProcess{pid: 10, cmdErr: errors.New("access denied")}
	editor := &fakeProcess{pid: 11, cmdline: "vim devices.toml"}
	worker := &fakeProcess{pid: 12, cmdline: "/usr/bin/python3 /opt/flowchem/__main__.py /tmp/devices.toml"}
	other := &fakeProcess{pid: 13, cmdline: "C:\\tools\\flowchem.exe other.toml"}

	s, rec := newStraySupervisor(t, fakeTable{self, denied, editor, worker, other})

	found, err := s.TerminateExisting(context.Background())
	require.NoError(t, err)
	require.True(t, found)

	require.False(t, self.wasTerminated())
	require.False(t, editor.wasTerminated())
	require.True(t, worker.wasTerminated())
	require.False(t, other.wasTerminated(), "only the first match is terminated")

	require.Eventually(t, func() bool {
		return rec.has(models.EventSuccess, "Existing process terminated.")
	}, time.Second, 10*time.Millisecond)
}

func TestTerminateExistingSkipsOwnWorker(t *testing.T) {
	own := &fakeProcess{pid: 4242, cmdline: "flowchem.exe devices.toml"}
	s, _ := newStraySupervisor(t, fakeTable{own})
	s.current.Store(4242)

	found, err := s.TerminateExisting(context.Background())
	require.NoError(t, err)
	require.False(t, found)
	require.False(t, own.wasTerminated())
}

func TestTerminateExistingNone(t *testing.T) {
	s, rec := newStraySupervisor(t, fakeTable{&fakeProcess{pid: 5, cmdline: "bash"}})

	found, err := s.TerminateExisting(context.Background())
	require.NoError(t, err)
	require.False(t, found)
	require.Eventually(t, func() bool {
		return rec.count(models.EventLog) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTerminateExistingTimeout(t *testing.T) {
	stuck := &fakeProcess{pid: 7, cmdline: "flowchem.exe devices.toml", stuck: true}
	s, _ := newStraySupervisor(t, fakeTable{stuck})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	found, err := s.TerminateExisting(ctx)
	require.True(t, found)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminateExistingListFailure(t *testing.T) {
	s, _ := newStraySupervisor(t, failingTable{})
	found, err := s.TerminateExisting(context.Background())
	require.Error(t, err)
	require.False(t, found)
}

func TestSignatureMatch(t *testing.T) {
	tests := []struct {
		cmdline string
		want    bool
	}{
		{"flowchem.exe devices.toml", true},
		{"python -m flowchem __main__.py devices.toml", true},
		{"python flowchem/__main__.py", false},
		{"python other/__main__.py devices.toml", false},
		{"flowchem devices.toml", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.cmdline, func(t *testing.T) {
			require.Equal(t, tt.want, testSignature.Match(tt.cmdline))
		})
	}
}
