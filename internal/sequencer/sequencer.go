// Package sequencer walks a list of devices through isolated single-device
// runs, one device at a time.
//
// For each device the host is asked for an isolated run. Once the device
// reports RUNNING it is marked verified after a short delay, and any
// terminal state (VERIFIED, ERROR, OFF) moves on to the next device. Calling
// Start while a sequence is active cancels it: the queue is cleared and no
// further device is started, but the run in flight is left alone.
//
// A Sequencer is not safe for concurrent use; it lives on the event loop
// together with its host.
package sequencer

import (
	"slices"
	"time"

	"chemdrive/internal/loop"
	"chemdrive/internal/models"
)

const DefaultDelay = time.Second

// Host performs the runs on behalf of the sequencer.
type Host interface {
	RunIsolated(device string)
	MarkVerified(device string)
	SubscribeDevice(device string, fn func(models.ServerState)) (cancel func())
	Notify(kind models.EventKind, msg string)
}

type Sequencer struct {
	loop  *loop.Loop
	host  Host
	delay time.Duration

	active     bool
	queue      []string
	current    string
	generation int
	subs       []*subscription
}

type subscription struct {
	device   string
	cancel   func()
	verify   *loop.Timer
	next     *loop.Timer
	advanced bool
}

func New(l *loop.Loop, host Host) *Sequencer {
	return &Sequencer{loop: l, host: host, delay: DefaultDelay}
}

// Active reports whether a sequence is in progress.
func (s *Sequencer) Active() bool { return s.active }

// Current returns the device under test, empty when idle.
func (s *Sequencer) Current() string {
	if !s.active {
		return ""
	}
	return s.current
}

// Pending returns the devices still waiting for their run.
func (s *Sequencer) Pending() []string { return slices.Clone(s.queue) }

// Start begins a sequence over devices, or cancels the active one.
func (s *Sequencer) Start(devices []string) {
	if s.active {
		s.cancel()
		return
	}
	s.active = true
	s.generation++
	s.queue = slices.Clone(devices)
	s.advance()
}

func (s *Sequencer) cancel() {
	s.queue = nil
	s.active = false
	s.current = ""
	s.generation++
	s.disconnect()
	s.host.Notify(models.EventWarning, "Test cancelled")
}

func (s *Sequencer) advance() {
	if !s.active {
		return
	}
	s.disconnect()

	if len(s.queue) == 0 {
		s.active = false
		s.current = ""
		s.host.Notify(models.EventSuccess, "Test complete")
		return
	}

	device := s.queue[0]
	s.queue = s.queue[1:]
	s.current = device
	s.listen(device)
	s.host.RunIsolated(device)
}

func (s *Sequencer) listen(device string) {
	gen := s.generation
	sub := &subscription{device: device}
	sub.cancel = s.host.SubscribeDevice(device, func(state models.ServerState) {
		if gen != s.generation || sub.advanced {
			return
		}
		switch state {
		case models.StateStarting:
		case models.StateRunning:
			if sub.verify != nil {
				return
			}
			sub.verify = s.loop.AfterFunc(s.delay, func() {
				if gen == s.generation {
					s.host.MarkVerified(device)
				}
			})
		default:
			sub.advanced = true
			sub.next = s.loop.AfterFunc(s.delay, func() {
				if gen == s.generation {
					s.advance()
				}
			})
		}
	})
	s.subs = append(s.subs, sub)
}

// disconnect drops every device listener and its pending timers.
func (s *Sequencer) disconnect() {
	for _, sub := range s.subs {
		sub.cancel()
		if sub.verify != nil {
			sub.verify.Stop()
		}
		if sub.next != nil {
			sub.next.Stop()
		}
	}
	s.subs = nil
}
