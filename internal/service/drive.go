package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"chemdrive/internal/document"
	"chemdrive/internal/loop"
	"chemdrive/internal/models"
	"chemdrive/internal/notify"
	"chemdrive/internal/probe"
	"chemdrive/internal/recent"
	"chemdrive/internal/sequencer"
	"chemdrive/internal/supervisor"
)

var (
	ErrNoDocument   = errors.New("there is no configuration to save")
	ErrNoConfigPath = errors.New("no configuration file loaded")
)

const (
	TempFileName = "__temporary_cfg.toml"
	logCapacity  = 1000
	strayTimeout = 10 * time.Second
)

type Prober interface {
	Probe(ctx context.Context, device string) (probe.Result, error)
}

type FileWatcher interface {
	Watch(path string) error
}

type Options struct {
	DataDir string
	Virtual bool
	Prober  Prober
	Recent  *recent.Store
	Watcher FileWatcher
	Logger  *slog.Logger
}

// Drive is the application controller around the worker supervisor. It owns
// the configuration text buffer, turns supervisor events into per-device
// states and runs test sequences.
//
// Except for Logs, Subscribe, Call and Shutdown, methods must run on the
// event loop.
type Drive struct {
	loop    *loop.Loop
	sup     *supervisor.Supervisor
	seq     *sequencer.Sequencer
	prober  Prober
	recent  *recent.Store
	watcher FileWatcher
	logger  *slog.Logger
	logs    *LogBuffer
	events  notify.Hub[models.Event]

	dataDir string
	virtual bool

	text  string
	path  string
	dirty bool

	states  map[string]models.ServerState
	devices map[string]*notify.Hub[models.ServerState]

	runDevices []string
	everReady  bool
	pending    string
	serverURL  string
	waiters    []chan struct{}
}

func NewDrive(l *loop.Loop, sup *supervisor.Supervisor, opts Options) *Drive {
	d := &Drive{
		loop:    l,
		sup:     sup,
		prober:  opts.Prober,
		recent:  opts.Recent,
		watcher: opts.Watcher,
		logger:  opts.Logger,
		logs:    NewLogBuffer(logCapacity),
		dataDir: opts.DataDir,
		virtual: opts.Virtual,
		states:  make(map[string]models.ServerState),
		devices: make(map[string]*notify.Hub[models.ServerState]),
	}
	if d.prober == nil {
		d.prober = probe.New(probe.DefaultBaseURL)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.seq = sequencer.New(l, d)
	sup.Subscribe(d.handleWorkerEvent)
	return d
}

// Call runs fn on the event loop and waits for it.
func (d *Drive) Call(ctx context.Context, fn func()) error {
	return d.loop.Call(ctx, fn)
}

// Subscribe registers fn for every drive event. fn runs on the event loop
// and must not block.
func (d *Drive) Subscribe(fn func(models.Event)) (cancel func()) {
	return d.events.Subscribe(fn)
}

func (d *Drive) Logs(level, runID string, n int) []models.LogEntry {
	return d.logs.GetFiltered(level, runID, n)
}

func (d *Drive) Text() string { return d.text }

func (d *Drive) Path() string { return d.path }

func (d *Drive) Dirty() bool { return d.dirty }

func (d *Drive) ServerURL() string { return d.serverURL }

func (d *Drive) TempPath() string {
	return filepath.Join(d.dataDir, TempFileName)
}

func (d *Drive) Recent() ([]recent.Project, error) {
	if d.recent == nil {
		return []recent.Project{}, nil
	}
	return d.recent.List()
}

// ForgetRecent drops path from the recent projects list.
func (d *Drive) ForgetRecent(path string) error {
	if d.recent == nil {
		return nil
	}
	return d.recent.Remove(path)
}

// Load reads and parses the configuration file at path and makes it the
// current buffer. On error the buffer is left untouched.
func (d *Drive) Load(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		d.Notify(models.EventError, fmt.Sprintf("Could not open '%s'.", abs))
		if errors.Is(err, os.ErrNotExist) {
			if rerr := d.ForgetRecent(abs); rerr != nil {
				d.logger.Warn("forget recent project", "path", abs, "error", rerr)
			}
		}
		return fmt.Errorf("read config: %w", err)
	}
	doc, err := document.Parse(string(data))
	if err != nil {
		d.Notify(models.EventError, "TOML parse error: "+err.Error())
		return err
	}

	d.text = string(data)
	d.path = abs
	d.dirty = false
	d.syncStates(doc)

	if d.recent != nil {
		if err := d.recent.Add(abs); err != nil {
			d.logger.Warn("record recent project", "path", abs, "error", err)
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Watch(abs); err != nil {
			d.logger.Warn("watch config file", "path", abs, "error", err)
		}
	}
	d.Notify(models.EventSuccess, fmt.Sprintf("The file '%s' was successfully opened.", abs))
	return nil
}

// SetText replaces the buffer with an edit. Device states follow the edited
// device list whenever the text parses.
func (d *Drive) SetText(text string) {
	d.text = text
	d.dirty = true
	if doc, err := document.Parse(text); err == nil {
		d.syncStates(doc)
	}
}

// Save writes the buffer to the loaded path once it parses. The text is
// written as edited, comments and key order included.
func (d *Drive) Save() error {
	doc, err := document.Parse(d.text)
	if err != nil {
		d.Notify(models.EventError, "TOML parse error: "+err.Error())
		return err
	}
	if doc.Empty() {
		d.Notify(models.EventError, "There is no configuration to save!")
		return ErrNoDocument
	}
	if d.path == "" {
		d.Notify(models.EventError, "No configuration file loaded.")
		return ErrNoConfigPath
	}

	if err := os.WriteFile(d.path, []byte(d.text), 0o644); err != nil {
		d.Notify(models.EventError, "An error occurred while saving the file: "+err.Error())
		return fmt.Errorf("write config: %w", err)
	}
	d.dirty = false
	d.Notify(models.EventSuccess, "Configuration saved to: "+d.path)
	return nil
}

// FileChanged reloads the buffer after the loaded file changed on disk,
// unless the buffer holds unsaved edits.
func (d *Drive) FileChanged(path string) {
	if path != d.path {
		return
	}
	if d.dirty {
		d.Notify(models.EventWarning, fmt.Sprintf("'%s' changed on disk; unsaved edits were kept.", path))
		return
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) == d.text {
		return
	}
	doc, err := document.Parse(string(data))
	if err != nil {
		d.Notify(models.EventWarning, "Changed file does not parse: "+err.Error())
		return
	}
	d.text = string(data)
	d.syncStates(doc)
	d.Notify(models.EventSuccess, "Configuration reloaded from disk.")
}

// Run starts the worker on the buffer. With killStray a leftover worker from
// an earlier session is terminated first, off the loop.
func (d *Drive) Run(killStray bool) error {
	doc, err := document.Parse(d.text)
	if err != nil {
		d.Notify(models.EventError, "Edited file has an issue: "+err.Error())
		return err
	}
	if err := d.writeTemp(d.text); err != nil {
		d.Notify(models.EventError, "Could not write the run file: "+err.Error())
		return err
	}
	devices := doc.DeviceNames()

	if !killStray {
		d.launch(devices)
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), strayTimeout)
		defer cancel()
		if _, err := d.sup.TerminateExisting(ctx); err != nil {
			d.logger.Warn("terminate leftover worker", "error", err)
		}
		d.loop.Post(func() { d.launch(devices) })
	}()
	return nil
}

func (d *Drive) writeTemp(text string) error {
	if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return os.WriteFile(d.TempPath(), []byte(text), 0o644)
}

func (d *Drive) launch(devices []string) {
	if d.sup.IsRunning() {
		// Reports the already-running warning.
		d.sup.Start(d.TempPath(), d.virtual)
		return
	}

	d.runDevices = devices
	d.everReady = false
	for _, name := range devices {
		d.setState(name, models.StateStarting)
	}
	if !d.sup.Start(d.TempPath(), d.virtual) {
		for _, name := range devices {
			d.setState(name, models.StateOff)
		}
		d.runDevices = nil
	}
}

// RunIsolated runs the worker on a document holding only the named device.
// A running worker is stopped first; the run starts once it has stopped.
func (d *Drive) RunIsolated(device string) {
	doc, err := document.Parse(d.text)
	if err != nil {
		d.Notify(models.EventError, "Edited file has an issue: "+err.Error())
		d.setState(device, models.StateError)
		return
	}
	single, err := doc.Isolated(device)
	if err != nil {
		d.Notify(models.EventError, fmt.Sprintf("Device '%s' is not in the configuration.", device))
		d.setState(device, models.StateError)
		return
	}

	if d.sup.IsRunning() {
		// device leaves the stopping run; that run's OFF is not its outcome.
		d.runDevices = slices.DeleteFunc(d.runDevices, func(name string) bool { return name == device })
		d.pending = device
		d.setState(device, models.StateStarting)
		d.sup.Stop()
		return
	}

	saved := d.text
	d.text = single.String()
	err = d.Run(false)
	d.text = saved
	if err != nil {
		d.setState(device, models.StateError)
	}
}

func (d *Drive) Stop() {
	d.sup.Stop()
}

// ToggleTest starts a test sequence over every device of the buffer, or
// cancels the active one.
func (d *Drive) ToggleTest() error {
	if d.seq.Active() {
		d.seq.Start(nil)
		return nil
	}
	doc, err := document.Parse(d.text)
	if err != nil {
		d.Notify(models.EventError, "Edited file has an issue: "+err.Error())
		return err
	}
	d.seq.Start(doc.DeviceNames())
	return nil
}

func (d *Drive) Testing() bool { return d.seq.Active() }

// Notify publishes an operator notification.
func (d *Drive) Notify(kind models.EventKind, msg string) {
	switch kind {
	case models.EventError:
		d.logger.Error(msg)
	case models.EventWarning:
		d.logger.Warn(msg)
	default:
		d.logger.Info(msg)
	}
	d.publish(models.Event{Kind: kind, Message: msg})
}

func (d *Drive) publish(ev models.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.RunID == "" {
		if info, ok := d.sup.Info(); ok {
			ev.RunID = info.ID
		}
	}
	d.logs.Add(models.LogEntry{
		Timestamp: ev.Time.Format(time.RFC3339),
		Message:   ev.Message,
		Level:     ev.Level(),
		RunID:     ev.RunID,
	})
	d.events.Publish(ev)
}

func (d *Drive) handleWorkerEvent(ev models.Event) {
	d.publish(ev)

	switch ev.Kind {
	case models.EventProcessStarted:
		d.onStarted()
	case models.EventProcessStopped:
		d.onStopped()
	case models.EventProcessExited:
		d.onExited(ev.ExitCode)
	}
}

func (d *Drive) onStarted() {
	d.everReady = true
	for _, name := range d.runDevices {
		d.setState(name, models.StateRunning)
	}
	if len(d.runDevices) == 0 {
		return
	}

	first := d.runDevices[0]
	prober := d.prober
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), probe.DefaultTimeout)
		defer cancel()
		res, err := prober.Probe(ctx, first)
		d.loop.Post(func() { d.onProbe(first, res, err) })
	}()
}

func (d *Drive) onProbe(device string, res probe.Result, err error) {
	if !d.sup.IsRunning() {
		return
	}
	if err != nil {
		d.Notify(models.EventWarning, fmt.Sprintf("Device '%s' is not reachable: %v", device, err))
		return
	}
	d.serverURL = res.DisplayURL
	d.Notify(models.EventSuccess, "Worker server is running at "+res.DisplayURL)
}

func (d *Drive) onStopped() {
	for _, name := range d.runDevices {
		if d.states[name] != models.StateVerified {
			d.setState(name, models.StateOff)
		}
	}
	d.finishRun()
}

func (d *Drive) onExited(code int) {
	state := models.StateOff
	if !d.everReady || code != 0 {
		state = models.StateError
	}
	for _, name := range d.runDevices {
		d.setState(name, state)
	}
	d.finishRun()
}

func (d *Drive) finishRun() {
	d.runDevices = nil
	d.serverURL = ""
	for _, ch := range d.waiters {
		close(ch)
	}
	d.waiters = nil

	if d.pending == "" {
		return
	}
	device := d.pending
	d.pending = ""
	if d.sup.IsRunning() {
		d.Notify(models.EventError, fmt.Sprintf("Could not run '%s': the previous worker is still alive.", device))
		d.setState(device, models.StateError)
		return
	}
	d.RunIsolated(device)
}

// Shutdown stops a running worker and waits for it, then removes the
// temporary run file. When ctx ends first the worker is killed.
func (d *Drive) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	err := d.loop.Call(ctx, func() {
		d.pending = ""
		if d.seq.Active() {
			d.seq.Start(nil)
		}
		if !d.sup.IsRunning() {
			close(stopped)
			return
		}
		d.waiters = append(d.waiters, stopped)
		d.sup.Stop()
	})
	if err != nil {
		return err
	}

	select {
	case <-stopped:
	case <-ctx.Done():
		_ = d.loop.Call(context.Background(), d.sup.Close)
		err = ctx.Err()
	}

	if rmErr := os.Remove(d.TempPath()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		d.logger.Warn("remove run file", "path", d.TempPath(), "error", rmErr)
	}
	return err
}
