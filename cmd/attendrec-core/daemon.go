package main

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiroq/attendrec/internal/config"
	"github.com/tiroq/attendrec/internal/controller"
	"github.com/tiroq/attendrec/internal/ctlws"
	"github.com/tiroq/attendrec/internal/diaglog"
	"github.com/tiroq/attendrec/internal/ipc"
)

// daemon routes local commands to the controller and publishes status.json.
type daemon struct {
	cfg    *config.Config
	ctrl   *controller.Controller
	log    *zap.SugaredLogger
	diag   *diaglog.Logger
	ws     *ctlws.Client
	ffmpeg string
	quit   context.CancelFunc

	statusMu   sync.Mutex
	lastAction string
}

// handleCommand processes manual control commands
func (d *daemon) handleCommand(ctx context.Context, cmd ipc.Command) {
	d.log.Infof("[EVENT] Received command: %s", cmd)

	switch cmd {
	case ipc.CmdStart:
		d.setAction("start")
		if _, err := d.ctrl.Start(ctx); err != nil {
			d.log.Errorf("[EVENT] start failed: %v", err)
		}

	case ipc.CmdStop:
		d.setAction("stop")
		res, err := d.ctrl.Stop(ctx)
		if err != nil {
			d.log.Errorf("[EVENT] stop failed: %v", err)
		} else if res.FilePath != nil {
			d.log.Infof("[EVENT] recording stopped, last segment %s", *res.FilePath)
		}

	case ipc.CmdRotate:
		d.setAction("rotate")
		res, err := d.ctrl.RotateNow(ctx)
		if err != nil {
			d.log.Errorf("[EVENT] rotate failed: %v (closed %q)", err, res.FilePath)
			return
		}
		d.log.Infof("[EVENT] rotated, closed %s", res.FilePath)

	case ipc.CmdRetry:
		d.setAction("retry")
		n := d.ctrl.RetryFailed()
		d.log.Infof("[EVENT] resubmitted %d failed uploads", n)
		d.publish("")

	case ipc.CmdQuit:
		d.setAction("quit")
		d.log.Info("[EVENT] Quit command received - shutting down")
		if d.quit != nil {
			d.quit()
		}

	default:
		d.log.Warnf("[EVENT] Unknown command: %s", cmd)
	}
}

func (d *daemon) setAction(a string) {
	d.statusMu.Lock()
	d.lastAction = a
	d.statusMu.Unlock()
}

// publish writes status.json. A non-empty action replaces the last action.
// The status is read under statusMu so the last write always reflects the
// latest change.
func (d *daemon) publish(action string) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	if action != "" {
		d.lastAction = action
	}
	st := d.ctrl.Status()

	snap := &ipc.StatusSnapshot{
		Recording:     st.Recording,
		FilePath:      st.Path(),
		SessionID:     st.SessionID,
		State:         string(st.State),
		Source:        string(st.Source),
		Segments:      st.SegmentsClosed,
		FailedUploads: st.FailedUploads,
		Configured:    st.UploadConfigured,
		ControlLinked: d.ws != nil && d.ws.IsConnected(),
		LastAction:    d.lastAction,
		LastError:     st.LastError,
		PID:           os.Getpid(),
		Timestamp:     time.Now(),
	}
	if err := ipc.WriteStatus(d.cfg.Storage.StateDir, snap); err != nil {
		d.log.Warnf("failed to write status: %v", err)
	}
}
