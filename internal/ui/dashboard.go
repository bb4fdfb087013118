// ABOUTME: Runs the leader dashboard program and feeds it status refreshes
// ABOUTME: Key actions come back on Actions, including ActionQuit
package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// Dashboard manages the bubbletea program
type Dashboard struct {
	program *tea.Program
	updates chan Status
	actions chan Action
	done    chan struct{}
	once    sync.Once
}

// NewDashboard prepares a dashboard; Run starts it
func NewDashboard(opts ...tea.ProgramOption) *Dashboard {
	d := &Dashboard{
		updates: make(chan Status, 10),
		actions: make(chan Action, 4),
		done:    make(chan struct{}),
	}
	if opts == nil {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	d.program = tea.NewProgram(NewModel(d.actions), opts...)
	return d
}

// Run blocks until the operator quits or Stop is called
func (d *Dashboard) Run() error {
	go func() {
		for {
			select {
			case st := <-d.updates:
				d.program.Send(StatusMsg(st))
			case <-d.done:
				return
			}
		}
	}()

	_, err := d.program.Run()
	d.Stop()
	return err
}

// Update queues a refresh, dropping it if the program is behind
func (d *Dashboard) Update(st Status) {
	select {
	case d.updates <- st:
	default:
	}
}

// Actions delivers operator key presses
func (d *Dashboard) Actions() <-chan Action {
	return d.actions
}

// Stop quits the program
func (d *Dashboard) Stop() {
	d.once.Do(func() {
		close(d.done)
		d.program.Quit()
	})
}
