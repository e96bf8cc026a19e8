package service

import (
	"fmt"
	"time"

	"chemdrive/internal/document"
	"chemdrive/internal/models"
	"chemdrive/internal/notify"
)

// State returns the state of device, OFF for unknown devices.
func (d *Drive) State(device string) models.ServerState {
	if s, ok := d.states[device]; ok {
		return s
	}
	return models.StateOff
}

// SubscribeDevice calls fn on every state change of device.
func (d *Drive) SubscribeDevice(device string, fn func(models.ServerState)) (cancel func()) {
	hub, ok := d.devices[device]
	if !ok {
		hub = &notify.Hub[models.ServerState]{}
		d.devices[device] = hub
	}
	return hub.Subscribe(fn)
}

// MarkVerified records that device answered during a test run.
func (d *Drive) MarkVerified(device string) {
	if _, ok := d.states[device]; !ok {
		return
	}
	d.setState(device, models.StateVerified)
	d.Notify(models.EventSuccess, fmt.Sprintf("Device '%s' verified.", device))
}

func (d *Drive) setState(device string, state models.ServerState) {
	if cur, ok := d.states[device]; ok && cur == state {
		return
	}
	d.states[device] = state
	d.logger.Debug("device state", "device", device, "state", state)
	d.publish(models.Event{
		Kind:    models.EventState,
		Device:  device,
		State:   state,
		Message: fmt.Sprintf("%s: %s", device, state),
	})
	if hub, ok := d.devices[device]; ok {
		hub.Publish(state)
	}
}

// syncStates follows the device list of doc: new devices start OFF, removed
// ones are forgotten, the rest keep their state.
func (d *Drive) syncStates(doc *document.Document) {
	next := make(map[string]models.ServerState)
	for _, name := range doc.DeviceNames() {
		if s, ok := d.states[name]; ok {
			next[name] = s
		} else {
			next[name] = models.StateOff
		}
	}
	d.states = next
}

// Cards returns one card per device of the buffer with its current state.
func (d *Drive) Cards() ([]models.DeviceCard, error) {
	doc, err := document.Parse(d.text)
	if err != nil {
		return nil, err
	}
	cards, err := doc.Cards()
	if cards == nil {
		return nil, err
	}
	if err != nil {
		d.logger.Warn("configuration associations", "error", err)
	}
	for i := range cards {
		cards[i].State = d.State(cards[i].Name)
	}
	return cards, nil
}

func (d *Drive) Status() models.WorkerStatus {
	status := models.WorkerStatus{
		Uptime:    notAvailable,
		Memory:    notAvailable,
		CPU:       notAvailable,
		ServerURL: d.serverURL,
		Testing:   d.seq.Active(),

		TestDevice:  d.seq.Current(),
		TestPending: d.seq.Pending(),
	}
	info, ok := d.sup.Info()
	if !ok {
		return status
	}
	status.Running = true
	status.Ready = info.Ready
	status.RunID = info.ID
	status.Pid = info.Pid
	status.Uptime = formatDuration(time.Since(info.Started))
	status.Memory, status.CPU = processUsage(info.Pid)
	return status
}

// HasDevice reports whether the buffer declares device.
func (d *Drive) HasDevice(device string) bool {
	_, ok := d.states[device]
	return ok
}
