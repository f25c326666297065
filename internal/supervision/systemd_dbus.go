package supervision

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// dbusManager implements UnitManager using go-systemd/dbus.
type dbusManager struct {
	conn *dbus.Conn
}

// ConnectDBus connects to the system systemd instance, or the user's when
// user is true.
func ConnectDBus(ctx context.Context, user bool) (UnitManager, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if user {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	return &dbusManager{conn: conn}, nil
}

func (m *dbusManager) Close() error {
	m.conn.Close()
	return nil
}

func (m *dbusManager) Reload(ctx context.Context) error {
	return m.conn.ReloadContext(ctx)
}

func (m *dbusManager) EnableUnits(ctx context.Context, files []string) error {
	if _, _, err := m.conn.EnableUnitFilesContext(ctx, files, false, true); err != nil {
		return fmt.Errorf("enabling units: %w", err)
	}
	return nil
}

func (m *dbusManager) DisableUnits(ctx context.Context, names []string) error {
	if _, err := m.conn.DisableUnitFilesContext(ctx, names, false); err != nil {
		return fmt.Errorf("disabling units: %w", err)
	}
	return nil
}

// StartUnit starts a unit, blocking until the job completes.
func (m *dbusManager) StartUnit(ctx context.Context, name string) error {
	result := make(chan string, 1)
	if _, err := m.conn.StartUnitContext(ctx, name, "replace", result); err != nil {
		return fmt.Errorf("starting unit %s: %w", name, err)
	}
	return waitJob(ctx, "start", name, result)
}

// StopUnit stops a unit, blocking until the job completes.
func (m *dbusManager) StopUnit(ctx context.Context, name string) error {
	result := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(ctx, name, "replace", result); err != nil {
		return fmt.Errorf("stopping unit %s: %w", name, err)
	}
	return waitJob(ctx, "stop", name, result)
}

func waitJob(ctx context.Context, op, name string, result <-chan string) error {
	select {
	case r := <-result:
		if r != "done" {
			return fmt.Errorf("%s job for %s failed: %s", op, name, r)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
